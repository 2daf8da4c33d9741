package connection

import (
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

// pskIterations and pskLen are fixed by the WPA-PSK derivation
// (IEEE 802.11i, PBKDF2-SHA1 over the passphrase salted with the SSID).
const (
	pskIterations = 4096
	pskLen        = 32
)

// DerivePSK derives the pairwise master key for a WPA/WPA2 personal network
// from an ASCII passphrase. The result goes to firmware as opaque key
// material; the driver never interprets it further.
func DerivePSK(ssid, passphrase string) ([]byte, error) {
	if len(passphrase) < 8 || len(passphrase) > 63 {
		return nil, fmt.Errorf("connection: passphrase length %d outside 8..63: %w",
			len(passphrase), domain.ErrNotFound)
	}
	if ssid == "" {
		return nil, fmt.Errorf("connection: empty ssid: %w", domain.ErrNotFound)
	}
	return pbkdf2.Key([]byte(passphrase), []byte(ssid), pskIterations, pskLen, sha1.New), nil
}
