// Package relay runs the shared signal feed: a SQLite-backed hub served to participants over
// sealed links, with an HTTP side for health, metrics, rooms and a WebSocket gateway.
package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cronlib "github.com/robfig/cron/v3"

	"talkfeed/config"
	appcrypto "talkfeed/crypto"
	"talkfeed/discovery"
	"talkfeed/feed"
	"talkfeed/metrics"
	"talkfeed/models"
	"talkfeed/network"
	"talkfeed/storage"
)

const (
	relayIDPrefix      = "relay-"
	shutdownGrace      = 5 * time.Second
	defaultLinkTimeout = 10 * time.Second
)

// Service is a running relay.
type Service struct {
	cfg      *config.RelayConfig
	logger   *slog.Logger
	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	hub      *feed.Hub
	identity network.LocalIdentity
	now      func() time.Time

	server      *network.Server
	httpServer  *http.Server
	httpLn      net.Listener
	scheduler   *cronlib.Cron
	broadcaster *discovery.Broadcaster

	roomsMu sync.RWMutex
	rooms   map[string]struct{}

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}

	wg        sync.WaitGroup
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New opens the relay store and identity. Nothing listens until Start.
func New(cfg *config.RelayConfig, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("relay config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := config.EnsureDataDirectories(cfg.Storage.DataDir); err != nil {
		return nil, fmt.Errorf("prepare relay data dir: %w", err)
	}

	store, dbPath, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open relay store: %w", err)
	}

	keysDir := filepath.Join(cfg.Storage.DataDir, "keys")
	privateKey, publicKey, err := appcrypto.EnsureEd25519KeyPair(
		filepath.Join(keysDir, "relay_ed25519_private.pem"),
		filepath.Join(keysDir, "relay_ed25519_public.pem"),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load relay identity: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		metrics:  m,
		identity: network.LocalIdentity{
			ID:                RelayIDForKey(publicKey),
			Name:              cfg.Server.Name,
			Ed25519PrivateKey: privateKey,
			Ed25519PublicKey:  publicKey,
		},
		now:      time.Now,
		rooms:    make(map[string]struct{}),
		sessions: make(map[*session]struct{}),
		done:     make(chan struct{}),
	}
	s.logger = logger.With("relay_id", s.identity.ID)

	hubOpts := []feed.HubOption{
		feed.WithDropHook(func(f feed.Filter) { m.RecordDropped(f.Column) }),
		feed.WithDeliverHook(func(f feed.Filter) { m.RecordDelivered(f.Column) }),
	}
	if cfg.Server.SubscriberQueue > 0 {
		hubOpts = append(hubOpts, feed.WithQueueSize(cfg.Server.SubscriberQueue))
	}
	s.hub = feed.NewHub(&meteredStore{store: store, metrics: m}, s.logger, hubOpts...)

	s.logger.Info("relay store opened", "path", dbPath)
	return s, nil
}

// RelayIDForKey derives the stable relay ID advertised for an identity key.
func RelayIDForKey(publicKey ed25519.PublicKey) string {
	return relayIDPrefix + appcrypto.KeyFingerprint(publicKey)
}

// ID returns the relay ID.
func (s *Service) ID() string {
	return s.identity.ID
}

// PublicKey returns the relay's base64 Ed25519 public key.
func (s *Service) PublicKey() string {
	return appcrypto.EncodePublicKey(s.identity.Ed25519PublicKey)
}

// Hub exposes the in-process feed.
func (s *Service) Hub() *feed.Hub {
	return s.hub
}

// Registry exposes the relay's metrics registry.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// LinkAddr returns the bound link listener address, or nil before Start.
func (s *Service) LinkAddr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when HTTP is disabled.
func (s *Service) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Start binds the link listener and, when enabled, the HTTP server, the prune schedule and
// mDNS advertisement.
func (s *Service) Start() error {
	var err error
	s.startOnce.Do(func() {
		err = s.start()
	})
	return err
}

func (s *Service) start() error {
	server, err := network.Listen(s.cfg.Server.ListenAddress, network.HandshakeOptions{
		Identity:          s.identity,
		AdmitPeer:         s.admitParticipant,
		ConnectionTimeout: defaultLinkTimeout,
		KeepAliveInterval: s.cfg.Server.KeepAliveInterval,
		KeepAliveTimeout:  s.cfg.Server.KeepAliveTimeout,
	})
	if err != nil {
		return err
	}
	s.server = server

	s.wg.Add(2)
	go s.acceptLoop()
	go s.handshakeErrorLoop()

	if s.cfg.HTTP.IsEnabled() {
		ln, err := net.Listen("tcp", s.cfg.HTTP.Address)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("listen http on %q: %w", s.cfg.HTTP.Address, err)
		}
		s.httpLn = ln
		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server error", "error", err)
			}
		}()
		s.logger.Info("http server listening", "address", ln.Addr().String())
	}

	s.scheduler = cronlib.New()
	if _, err := s.scheduler.AddFunc(s.cfg.Storage.PruneSchedule, s.runPrune); err != nil {
		_ = s.Close()
		return fmt.Errorf("schedule signal pruning: %w", err)
	}
	s.scheduler.Start()

	if s.cfg.Discovery.IsEnabled() {
		s.startBroadcast()
	}

	s.logger.Info("relay listening",
		"address", server.Addr().String(),
		"fingerprint", appcrypto.FormatFingerprint(appcrypto.KeyFingerprint(s.identity.Ed25519PublicKey)),
	)
	return nil
}

func (s *Service) startBroadcast() {
	tcpAddr, ok := s.server.Addr().(*net.TCPAddr)
	if !ok {
		return
	}
	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		RelayID:        s.identity.ID,
		RelayName:      s.identity.Name,
		Port:           tcpAddr.Port,
		KeyFingerprint: appcrypto.KeyFingerprint(s.identity.Ed25519PublicKey),
	})
	if err != nil {
		// Discovery is optional; clients can still dial a configured address.
		s.logger.Warn("mDNS advertisement unavailable", "error", err)
		return
	}
	s.broadcaster = broadcaster
}

// Run starts the relay and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close stops every listener and session, then closes the store.
func (s *Service) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)

		if s.broadcaster != nil {
			s.broadcaster.Stop()
		}
		if s.scheduler != nil {
			<-s.scheduler.Stop().Done()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn("http shutdown incomplete", "error", err)
			}
			cancel()
		}
		if s.server != nil {
			_ = s.server.Close()
		}

		s.sessionsMu.Lock()
		sessions := make([]*session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessionsMu.Unlock()
		for _, sess := range sessions {
			sess.shutdown()
		}

		s.wg.Wait()
		s.hub.Close()
		closeErr = s.store.Close()
		s.logger.Info("relay stopped")
	})
	return closeErr
}

// Prune deletes signals older than the configured retention.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Storage.SignalRetention).UnixMilli()
	pruned, err := s.store.PruneSignalsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordPruned(pruned)
	return pruned, nil
}

func (s *Service) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pruned, err := s.Prune(ctx)
	if err != nil {
		s.logger.Error("signal pruning failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Debug("pruned expired signals", "rows", pruned)
	}

	cutoff := s.now().Add(-storage.DefaultSecurityEventRetention).UnixMilli()
	events, err := s.store.PruneSecurityEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("security event pruning failed", "error", err)
		return
	}
	if events > 0 {
		s.logger.Debug("pruned old security events", "rows", events)
	}
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case link, ok := <-s.server.Incoming():
			if !ok {
				return
			}
			s.wg.Add(1)
			go s.serveLink(link)
		}
	}
}

func (s *Service) handshakeErrorLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case err, ok := <-s.server.Errors():
			if !ok {
				return
			}
			s.recordHandshakeFailure(err)
		}
	}
}

func (s *Service) recordHandshakeFailure(err error) {
	s.metrics.RecordHandshakeFailure()

	var hsErr *network.HandshakeError
	if !errors.As(err, &hsErr) {
		s.logger.Debug("inbound link failed", "error", err)
		return
	}

	eventType := "handshake_failed"
	severity := storage.SecuritySeverityWarning
	if errors.Is(err, network.ErrKeyChanged) {
		eventType = "participant_key_changed"
		severity = storage.SecuritySeverityCritical
	}
	s.logger.Warn("rejected inbound link", "participant_id", hsErr.PeerID, "addr", hsErr.Addr, "error", hsErr.Err)
	s.logSecurityEvent(eventType, hsErr.PeerID, severity, map[string]string{
		"addr":  hsErr.Addr,
		"error": hsErr.Err.Error(),
	})
}

func (s *Service) logSecurityEvent(eventType, participantID, severity string, details map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.store.RecordSecurityEvent(ctx, storage.SecurityEvent{
		EventType:     eventType,
		ParticipantID: participantID,
		Details:       details,
		Severity:      severity,
		Timestamp:     s.now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("record security event failed", "event_type", eventType, "error", err)
	}
}

// admitParticipant registers a participant inside its handshake, pinning the key it first
// connected with. The link is only answered once the participant is stored.
func (s *Service) admitParticipant(remote network.RemoteIdentity) error {
	if err := feed.ValidateParticipantID(remote.ID); err != nil {
		return fmt.Errorf("%w: %v", network.ErrPeerRefused, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.RegisterParticipant(ctx, models.Participant{
		ID:          remote.ID,
		DisplayName: remote.Name,
		PublicKey:   remote.PublicKey,
		LastSeen:    s.now().UnixMilli(),
	})
	if errors.Is(err, storage.ErrKeyMismatch) {
		return fmt.Errorf("participant %q: %w", remote.ID, network.ErrKeyChanged)
	}
	return err
}

func (s *Service) serveLink(link *network.Link) {
	defer s.wg.Done()

	remote := link.Remote()
	sess := s.newSession(remote.ID, link, s.logger.With("participant_id", remote.ID, "transport", "link"))
	if !s.trackSession(sess) {
		_ = link.Close()
		return
	}
	defer s.untrackSession(sess)

	s.metrics.RecordLinkOpened()
	defer s.metrics.RecordLinkClosed()
	s.logger.Info("participant connected", "participant_id", remote.ID, "name", remote.Name, "addr", link.RemoteAddr().String())

	for {
		payload, err := link.ReceiveMessage(context.Background())
		if err != nil {
			if lastErr := link.LastError(); lastErr != nil {
				s.logger.Info("participant link closed", "participant_id", remote.ID, "error", lastErr)
			} else {
				s.logger.Info("participant disconnected", "participant_id", remote.ID)
			}
			return
		}
		sess.handle(payload)
	}
}

func (s *Service) trackSession(sess *session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Service) untrackSession(sess *session) {
	sess.release()
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
	s.metrics.SetActiveSubscriptions(s.hub.Len())
}

// roomExists reports whether roomID names a created room. Known rooms are cached.
func (s *Service) roomExists(ctx context.Context, roomID string) (bool, error) {
	s.roomsMu.RLock()
	_, ok := s.rooms[roomID]
	s.roomsMu.RUnlock()
	if ok {
		return true, nil
	}

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.rememberRoom(roomID)
	return true, nil
}

func (s *Service) rememberRoom(roomID string) {
	s.roomsMu.Lock()
	s.rooms[roomID] = struct{}{}
	s.roomsMu.Unlock()
}

// meteredStore counts feed inserts by outcome.
type meteredStore struct {
	store   feed.RecordStore
	metrics *metrics.Metrics
}

func (m *meteredStore) InsertSignal(ctx context.Context, record *models.SignalRecord) (bool, error) {
	inserted, err := m.store.InsertSignal(ctx, record)
	switch {
	case err != nil:
		m.metrics.RecordPublishFailure()
	case !inserted:
		m.metrics.RecordDuplicate()
	default:
		m.metrics.RecordPublished(record.Type)
	}
	return inserted, err
}
