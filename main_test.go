package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"talkfeed/crypto"
	"talkfeed/discovery"
	"talkfeed/models"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger("loud", "text", &buf)
	require.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	require.Error(t, err)
}

func TestResolveRelayConfigPath(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "relay.yaml")

	path, err := resolveRelayConfigPath(missing, false)
	require.NoError(t, err)
	require.Empty(t, path)

	path, err = resolveRelayConfigPath(missing, true)
	require.NoError(t, err)
	require.Equal(t, missing, path)

	require.NoError(t, os.WriteFile(missing, []byte("server: {}\n"), 0o600))
	path, err = resolveRelayConfigPath(missing, false)
	require.NoError(t, err)
	require.Equal(t, missing, path)
}

func TestFindRoom(t *testing.T) {
	rooms := []models.Room{
		{ID: "r-1", Name: "Crew"},
		{ID: "crew", Name: "Other"},
	}

	found, ok := findRoom(rooms, " crew ")
	require.True(t, ok)
	require.Equal(t, "crew", found.ID, "ID match wins over name match")

	found, ok = findRoom(rooms, "CREW")
	require.True(t, ok)
	require.Equal(t, "r-1", found.ID)

	_, ok = findRoom(rooms, "nobody")
	require.False(t, ok)
}

func TestVerifyAdvertisedFingerprint(t *testing.T) {
	dir := t.TempDir()
	_, pub, err := crypto.EnsureEd25519KeyPair(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"))
	require.NoError(t, err)

	encoded := crypto.EncodePublicKey(pub)
	require.NoError(t, verifyAdvertisedFingerprint(encoded, crypto.KeyFingerprint(pub)))

	err = verifyAdvertisedFingerprint(encoded, strings.Repeat("0", 32))
	require.ErrorContains(t, err, "does not match")
}

func TestPrintRelays(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRelays(&buf, nil))
	require.Equal(t, "No relays found.\n", buf.String())

	buf.Reset()
	require.NoError(t, printRelays(&buf, []discovery.DiscoveredRelay{{
		RelayID:        "relay-abc",
		Name:           "Basement",
		KeyFingerprint: "abcd1234",
		Version:        1,
		Port:           7420,
		Addresses:      []string{"192.168.1.5"},
	}}))
	require.Contains(t, buf.String(), "relay-abc")
	require.Contains(t, buf.String(), "192.168.1.5:7420")
	require.Contains(t, buf.String(), "ABCD 1234")
}
