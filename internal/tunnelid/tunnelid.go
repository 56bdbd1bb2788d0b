// Package tunnelid provides 128-bit random identifiers for tunnels and
// connections multiplexed over a TunnelManager control channel.
package tunnelid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Size is the length of an ID in bytes (128 bits).
const Size = 16

// ErrInvalidLength is returned when a byte slice or hex string doesn't
// decode to exactly Size bytes.
var ErrInvalidLength = errors.New("tunnelid: invalid id length: expected 16 bytes")

// Zero is the uninitialized ID.
var Zero = ID{}

// ID identifies a tunnel or a connection within a TunnelManager. IDs are
// generated by the requesting side and travel on every subsequent
// message about that tunnel or connection.
type ID [Size]byte

// New generates a new random ID using crypto/rand.
func New() (ID, error) {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return Zero, fmt.Errorf("tunnelid: generate: %w", err)
	}
	return id, nil
}

// MustNew generates a new random ID and panics if the system entropy
// source fails. Only safe to use where a failure indicates the process
// itself is unusable (e.g. exhausted /dev/urandom).
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse decodes a hex-encoded ID.
func Parse(s string) (ID, error) {
	if len(s) != Size*2 {
		return Zero, fmt.Errorf("%w: got %d hex chars", ErrInvalidLength, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("tunnelid: %w", err)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String returns the hex representation of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 4 bytes),
// useful for log lines.
func (id ID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the ID is uninitialized.
func (id ID) IsZero() bool {
	return id == Zero
}

// MarshalText implements encoding.TextMarshaler so an ID can be used
// directly as a JSON object key or string field.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
