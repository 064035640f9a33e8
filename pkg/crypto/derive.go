package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	MinSecretLength = 16

	// DefaultSecret is used when no overlay secret is configured, so that
	// unconfigured controllers and clients on the same LAN still find each other.
	DefaultSecret = "ctldisco-public-lan-overlay"
)

// ErrSecretTooShort is returned when an overlay secret is below MinSecretLength.
var ErrSecretTooShort = errors.New("secret too short")

// DerivedKeys holds all keys and parameters derived from an overlay secret
type DerivedKeys struct {
	NetworkID   [20]byte // DHT infohash (20 bytes for BEP 5)
	OverlayKey  [32]byte // Symmetric key sealing every overlay datagram
	MulticastID [2]byte  // Selects 239.192.X.Y for the beacon group
}

// DeriveKeys derives all overlay keys from a shared secret
func DeriveKeys(secret string) (*DerivedKeys, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: must be at least %d characters", ErrSecretTooShort, MinSecretLength)
	}

	keys := &DerivedKeys{}

	// network_id = SHA256(secret)[0:20]
	hash := sha256.Sum256([]byte(secret))
	copy(keys.NetworkID[:], hash[:20])

	if err := deriveHKDF(secret, "ctldisco-overlay-v1", keys.OverlayKey[:]); err != nil {
		return nil, fmt.Errorf("failed to derive overlay key: %w", err)
	}

	if err := deriveHKDF(secret, "ctldisco-mcast-v1", keys.MulticastID[:]); err != nil {
		return nil, fmt.Errorf("failed to derive multicast ID: %w", err)
	}

	return keys, nil
}

// DeriveNetworkIDWithTime derives a time-rotating network ID for DHT rendezvous.
// It rotates hourly so a long-lived infohash does not fingerprint the overlay.
func DeriveNetworkIDWithTime(secret string, t time.Time) [20]byte {
	var networkID [20]byte

	hourEpoch := t.Unix() / 3600
	input := fmt.Sprintf("%s||%d", secret, hourEpoch)

	hash := sha256.Sum256([]byte(input))
	copy(networkID[:], hash[:20])

	return networkID
}

// CurrentAndPreviousNetworkIDs returns the network IDs for the hour containing
// now and the hour before it, for smooth transition during rotation.
func CurrentAndPreviousNetworkIDs(secret string, now time.Time) (current, previous [20]byte) {
	now = now.UTC()
	return DeriveNetworkIDWithTime(secret, now), DeriveNetworkIDWithTime(secret, now.Add(-time.Hour))
}

// deriveHKDF derives key material using HKDF-SHA256
func deriveHKDF(secret, salt string, output []byte) error {
	reader := hkdf.New(sha256.New, []byte(secret), []byte(salt), nil)
	_, err := io.ReadFull(reader, output)
	return err
}
