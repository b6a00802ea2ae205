package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// LinkKeySize is the size of each directional link key.
const LinkKeySize = 32

const linkKeyInfo = "talkfeed link v1"

// LinkKeys holds the two directional keys of one relay link.
type LinkKeys struct {
	ClientToRelay []byte
	RelayToClient []byte
}

// DeriveLinkKeys expands an X25519 shared secret into directional keys bound to both
// identities and the handshake nonce. Client and relay derive identical keys.
func DeriveLinkKeys(sharedSecret []byte, clientID, relayID string, nonce []byte) (LinkKeys, error) {
	if len(sharedSecret) == 0 {
		return LinkKeys{}, errors.New("shared secret is required")
	}
	if clientID == "" || relayID == "" {
		return LinkKeys{}, errors.New("client and relay IDs are required")
	}

	info := make([]byte, 0, len(linkKeyInfo)+len(clientID)+len(relayID)+2)
	info = append(info, linkKeyInfo...)
	info = append(info, 0)
	info = append(info, clientID...)
	info = append(info, 0)
	info = append(info, relayID...)

	reader := hkdf.New(sha256.New, sharedSecret, nonce, info)
	keys := LinkKeys{
		ClientToRelay: make([]byte, LinkKeySize),
		RelayToClient: make([]byte, LinkKeySize),
	}
	if _, err := io.ReadFull(reader, keys.ClientToRelay); err != nil {
		return LinkKeys{}, fmt.Errorf("derive client link key: %w", err)
	}
	if _, err := io.ReadFull(reader, keys.RelayToClient); err != nil {
		return LinkKeys{}, fmt.Errorf("derive relay link key: %w", err)
	}
	return keys, nil
}
