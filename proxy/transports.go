package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	initialReadBuffer = 64 * 1024
	// MaxMessageSize bounds a single line. Tool results can carry large
	// payloads, so this is generous.
	MaxMessageSize = 16 * 1024 * 1024
)

// ErrMessageTooLarge is returned for a line longer than MaxMessageSize. The
// line is discarded and the stream stays usable.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Transport moves whole JSON-RPC messages over some byte stream.
type Transport interface {
	SendMessage(msg []byte) error
	ReceiveMessage() ([]byte, error)
	Close() error
}

// StdioTransport speaks newline-delimited JSON over a reader/writer pair.
// Writes are serialized; each message goes out in a single Write call.
// ReceiveMessage must only be called from one goroutine.
type StdioTransport struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
	closed bool
}

func NewStdioTransport(reader io.Reader, writer io.Writer) *StdioTransport {
	return &StdioTransport{
		reader: bufio.NewReaderSize(reader, initialReadBuffer),
		writer: writer,
	}
}

func (s *StdioTransport) SendMessage(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("transport is closed")
	}

	line := msg
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = make([]byte, len(msg)+1)
		copy(line, msg)
		line[len(msg)] = '\n'
	}

	_, err := s.writer.Write(line)
	return err
}

// ReceiveMessage returns the next non-blank line. The returned slice is
// owned by the caller. A line over MaxMessageSize yields ErrMessageTooLarge
// and reading can continue with the next line.
func (s *StdioTransport) ReceiveMessage() ([]byte, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine reads through the next newline. An unterminated last line is
// returned as is; io.EOF only comes once nothing is left.
func (s *StdioTransport) readLine() ([]byte, error) {
	var (
		line     []byte
		tooLarge bool
	)
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLarge {
			if len(line)+len(chunk) > MaxMessageSize+1 {
				tooLarge = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil, errors.Is(err, io.EOF) && (tooLarge || len(line) > 0):
			if tooLarge {
				return nil, ErrMessageTooLarge
			}
			return line, nil
		default:
			return nil, err
		}
	}
}

// Close stops further writes and closes the writer when it is closable,
// which is how a backend sees EOF on its stdin.
func (s *StdioTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Process is a running backend as seen by its connection.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process has exited. Safe to call more than once.
	Wait() error
	// Stop asks the process to exit and kills it after grace.
	Stop(grace time.Duration) error
}

// Launcher starts backend processes.
type Launcher interface {
	Launch(name string, argv []string, env []string) (Process, error)
}
