package network

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by a RemoteError carrying CodeNotFound.
	ErrNotFound = errors.New("network: not found")
	// ErrClientClosed is returned by calls on a closed Client.
	ErrClientClosed = errors.New("network: client closed")
)

// RemoteError is an error frame received from the far end.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Is maps CodeNotFound to ErrNotFound and CodeKeyChanged to ErrKeyChanged.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrKeyChanged:
		return e.Code == CodeKeyChanged
	}
	return false
}

// HandshakeError describes a rejected inbound handshake.
type HandshakeError struct {
	PeerID string
	Addr   string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake from %s (peer %q): %v", e.Addr, e.PeerID, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
