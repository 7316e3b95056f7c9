package protocol

import (
	"fmt"
	"strings"
)

// Kind classifies a frame for display.
type Kind int

const (
	KindText Kind = iota
	KindJoin
	KindLeave
)

const (
	joinSuffix  = " joined the chat"
	leaveSuffix = " left the chat"
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindJoin:
		return "JOIN"
	case KindLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// JoinNotice builds the announcement the room sends when id joins.
func JoinNotice(id ID) Frame {
	return NewFrame(AdminID, []byte(fmt.Sprintf("%s%s", id, joinSuffix)))
}

// LeaveNotice builds the announcement the room sends when id leaves.
func LeaveNotice(id ID) Frame {
	return NewFrame(AdminID, []byte(fmt.Sprintf("%s%s", id, leaveSuffix)))
}

// Kind reports whether the frame is a join or leave announcement.
// Anything not sent by Admin is text.
func (f Frame) Kind() Kind {
	if !f.IsAdmin() {
		return KindText
	}
	switch text := f.Text(); {
	case strings.HasSuffix(text, joinSuffix):
		return KindJoin
	case strings.HasSuffix(text, leaveSuffix):
		return KindLeave
	default:
		return KindText
	}
}

// Subject returns the identity an announcement is about, or the sender for
// text frames.
func (f Frame) Subject() string {
	switch f.Kind() {
	case KindJoin:
		return strings.TrimSuffix(f.Text(), joinSuffix)
	case KindLeave:
		return strings.TrimSuffix(f.Text(), leaveSuffix)
	default:
		return f.Sender.String()
	}
}
