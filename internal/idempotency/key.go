// Package idempotency derives the stable keys that deduplicate rows and
// identify billable units of work.
package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// KeyLength is the length of every derived key (hex-encoded SHA-256)
const KeyLength = sha256.Size * 2

// Derive returns a deterministic digest of the submitter and the content fields.
// Each component is length-prefixed before hashing so field boundaries cannot
// shift between inputs ("a:b","" and "a","b:" hash differently).
//
// Derive panics if any component is not valid UTF-8; callers sanitise input first.
func Derive(submitterID string, fields ...string) string {
	h := sha256.New()
	var prefix [binary.MaxVarintLen64]byte

	write := func(s string) {
		if !utf8.ValidString(s) {
			panic(fmt.Sprintf("idempotency: component %q is not valid UTF-8", s))
		}
		n := binary.PutUvarint(prefix[:], uint64(len(s)))
		h.Write(prefix[:n])
		h.Write([]byte(s))
	}

	write(submitterID)
	for _, f := range fields {
		write(f)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// ForRow derives the key of a product row for a submitter
func ForRow(submitterID, imageURL, title, description string) string {
	return Derive(submitterID, imageURL, title, description)
}

// Valid reports whether s has the shape of a derived key
func Valid(s string) bool {
	if len(s) != KeyLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
