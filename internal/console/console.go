// Package console renders frames for a terminal and reads user input lines.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/omochice/relaychat/pkg/protocol"
)

// Console is the line-oriented user surface of the client.
type Console interface {
	// ReadLine returns the next input line without its line ending, or
	// io.EOF when input is exhausted.
	ReadLine() (string, error)
	WriteLine(line string) error
}

// Stream is a Console over a reader and a writer, typically stdin and stdout.
type Stream struct {
	scanner *bufio.Scanner

	mu sync.Mutex
	w  io.Writer
}

// NewStream creates a new Stream.
func NewStream(r io.Reader, w io.Writer) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	return &Stream{scanner: scanner, w: w}
}

// ReadLine implements Console.
func (s *Stream) ReadLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return "", io.EOF
	}
	return strings.TrimRight(s.scanner.Text(), "\r"), nil
}

// WriteLine implements Console. It is safe for concurrent use.
func (s *Stream) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, line)
	return err
}

// Render formats a frame for display.
func Render(f protocol.Frame) string {
	switch {
	case f.Legacy:
		return f.Text()
	case f.Kind() == protocol.KindJoin:
		return fmt.Sprintf("*** %s joined the chat ***", f.Subject())
	case f.Kind() == protocol.KindLeave:
		return fmt.Sprintf("*** %s left the chat ***", f.Subject())
	case f.IsAdmin():
		return fmt.Sprintf("*** %s ***", f.Text())
	default:
		return fmt.Sprintf("[%s]: %s", f.Sender, f.Text())
	}
}
