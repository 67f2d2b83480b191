// Package idgen mints time-ordered reference ids.
//
// A reference id is 26 base36 characters: a 48-bit millisecond timestamp
// followed by 80 random bits. Lexicographic order therefore matches creation
// order at millisecond resolution, and ids minted in the same millisecond
// are ordered by a process-local monotonic counter folded into the random
// portion.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"strings"
	"sync"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const (
	timestampChars = 10 // 48-bit ms timestamp, zero-padded
	randomChars    = 16 // 80 random bits
	totalChars     = timestampChars + randomChars
)

var (
	mu       sync.Mutex
	lastMs   int64
	sequence uint16
)

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// zero-padded on the left and truncated to the least significant digits if
// longer.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}

	s := b.String()
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}

// NewReferenceID mints a fresh time-ordered reference id.
func NewReferenceID() string {
	return newAt(time.Now())
}

func newAt(now time.Time) string {
	ms := now.UnixMilli()

	mu.Lock()
	if ms == lastMs {
		sequence++
	} else {
		lastMs = ms
		sequence = 0
	}
	seq := sequence
	mu.Unlock()

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ms))

	var entropy [10]byte
	_, _ = rand.Read(entropy[:])
	// Fold the sequence into the high bytes so same-millisecond mints stay
	// ordered.
	binary.BigEndian.PutUint16(entropy[0:2], seq)

	return EncodeBase36(ts[2:], timestampChars) + EncodeBase36(entropy[:], randomChars)
}

// Timestamp extracts the mint time from a reference id.
func Timestamp(id string) (time.Time, bool) {
	if !IsValid(id) {
		return time.Time{}, false
	}
	num := new(big.Int)
	for i := 0; i < timestampChars; i++ {
		idx := strings.IndexByte(base36Alphabet, id[i])
		if idx < 0 {
			return time.Time{}, false
		}
		num.Mul(num, big.NewInt(36))
		num.Add(num, big.NewInt(int64(idx)))
	}
	return time.UnixMilli(num.Int64()), true
}

// IsValid reports whether id has the shape of a minted reference id.
func IsValid(id string) bool {
	if len(id) != totalChars {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(base36Alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}
