// Package idgen provides random and time-ordered ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a random (v4) UUID string. Used for reservation IDs, where
// two concurrent calls for the same user must never collide.
func New() string {
	return uuid.NewString()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ULID returns a lexicographically sortable ID for the given time.
func ULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// SettlementID returns a sortable settlement identifier ("stl_" + ULID).
func SettlementID() string {
	return "stl_" + ULID(time.Now())
}

// WithPrefix generates a random ID with a prefix (e.g. "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Alnum generates a random alphanumeric string of length n.
func Alnum(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alnum)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = alnum[idx.Int64()]
	}
	return string(out)
}
