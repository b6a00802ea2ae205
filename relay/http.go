package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"talkfeed/feed"
	"talkfeed/models"
	"talkfeed/network"
	"talkfeed/storage"
)

// Handler returns the relay HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/v1/feed", s.handleFeedSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.withMetrics)
		r.Get("/healthz", s.handleHealth)
		r.Get("/v1/rooms", s.handleListRooms)
		r.Get("/v1/signals", s.handleListSignals)
	})
	return r
}

// withMetrics records request counts and latency per route pattern.
func (s *Service) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	RelayID       string `json:"relay_id"`
	Name          string `json:"name"`
	Version       int    `json:"version"`
	Subscriptions int    `json:"subscriptions"`
	Signals       int64  `json:"signals"`
	Timestamp     int64  `json:"timestamp"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		RelayID:       s.identity.ID,
		Name:          s.identity.Name,
		Version:       network.ProtocolVersion,
		Subscriptions: s.hub.Len(),
		Timestamp:     s.now().UnixMilli(),
	}

	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check: store unavailable", "error", err)
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else if count, err := s.store.CountSignals(r.Context()); err == nil {
		resp.Signals = count
	}

	writeJSON(w, status, resp)
}

func (s *Service) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		s.logger.Error("list rooms failed", "error", err)
		writeError(w, http.StatusInternalServerError, network.CodeInternal, "list rooms failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Rooms []models.Room `json:"rooms"`
	}{Rooms: rooms})
}

type signalRow struct {
	Seq int64 `json:"seq"`
	models.SignalRecord
}

// handleListSignals pages through one conversation: ?column=room_id&value=<id>&after=<seq>&limit=<n>.
func (s *Service) handleListSignals(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := feed.Filter{Column: query.Get("column"), Value: query.Get("value")}
	if err := filter.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, network.CodeInvalidRequest, "column must be channel_key or room_id and value is required")
		return
	}

	var afterSeq int64
	if raw := query.Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, network.CodeInvalidRequest, "after must be a non-negative integer")
			return
		}
		afterSeq = v
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, network.CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	stored, err := s.store.SignalsSince(r.Context(), storage.SignalQuery{
		Column:   filter.Column,
		Value:    filter.Value,
		AfterSeq: afterSeq,
		Limit:    limit,
	})
	if err != nil {
		s.logger.Error("list signals failed", "error", err)
		writeError(w, http.StatusInternalServerError, network.CodeInternal, "list signals failed")
		return
	}

	rows := make([]signalRow, 0, len(stored))
	for _, sig := range stored {
		rows = append(rows, signalRow{Seq: sig.Seq, SignalRecord: sig.Record()})
	}
	writeJSON(w, http.StatusOK, struct {
		Signals []signalRow `json:"signals"`
	}{Signals: rows})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: code, Message: message})
}
