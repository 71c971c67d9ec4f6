// Package idgen mints compact opaque identifiers for filters, conditions
// and actions. IDs are time-ordered, unique across instances and safe to
// embed in persisted documents and URLs.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var (
	// nodeID distinguishes concurrently running instances
	nodeID []byte
	// sequence disambiguates IDs minted within the same second
	sequence uint32

	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		// Fall back to a hostname-derived ID when the entropy source is
		// unavailable.
		hostname, herr := os.Hostname()
		if herr != nil {
			copy(nodeID, fmt.Sprintf("%06x", time.Now().UnixNano()))
		} else {
			copy(nodeID, hostname)
		}
	}
}

// New generates a 12-byte hybrid ID: 4 bytes of truncated Unix timestamp,
// 3 bytes of node ID, 2 bytes of sequence counter and 3 bytes of random
// data, base32-encoded to ~20 characters.
func New() string {
	timestamp := uint32(time.Now().Unix())
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		copy(randomBytes, fmt.Sprintf("%06x", time.Now().UnixNano()))
	}

	id := make([]byte, 12)
	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)
	copy(id[4:7], nodeID)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)
	copy(id[9:12], randomBytes)

	return base32Encoding.EncodeToString(id)
}
