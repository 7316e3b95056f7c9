package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrInvalidID is returned for identities that are empty or longer than IDLen.
var ErrInvalidID = errors.New("invalid identity")

// ErrReservedID is returned when a user claims the identity of the room.
var ErrReservedID = errors.New("reserved identity")

// ID is the fixed-width identity token carried in modern frames.
type ID [IDLen]byte

// AdminID is the reserved identity of room announcements.
var AdminID = MustID("Admin")

// NewID pads s with spaces to IDLen bytes.
func NewID(s string) (ID, error) {
	var id ID
	if s == "" || len(s) > IDLen {
		return id, fmt.Errorf("%w: %q must be 1 to %d bytes", ErrInvalidID, s, IDLen)
	}
	copy(id[:], s)
	for i := len(s); i < IDLen; i++ {
		id[i] = ' '
	}
	return id, nil
}

// NewUserID is like NewID but also rejects AdminID, which only the room
// may send as.
func NewUserID(s string) (ID, error) {
	id, err := NewID(s)
	if err != nil {
		return ID{}, err
	}
	if id == AdminID {
		return ID{}, fmt.Errorf("%w: %q", ErrReservedID, s)
	}
	return id, nil
}

// MustID is like NewID but panics on error.
func MustID(s string) ID {
	id, err := NewID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identity without its padding.
func (id ID) String() string {
	return string(bytes.TrimRight(id[:], " \x00"))
}

// Padded returns the identity as it appears on the wire.
func (id ID) Padded() string {
	return string(id[:])
}

// IsZero reports whether no identity was assigned.
func (id ID) IsZero() bool {
	return id == ID{}
}
