// Package wire implements the line-delimited JSON framing spoken by the
// chronicle query agent.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
)

// Transport carries messages to and from a query agent. A message is one
// JSON object without its trailing newline.
type Transport interface {
	// Send writes line and a newline, then flushes.
	Send(line []byte) error

	// Receive returns the next message.
	Receive() ([]byte, error)

	Close() error
}

// MaxLineLength is the maximum allowed length of a single message (64MB).
// readMem results for large ranges are hex encoded, so this is generous.
const MaxLineLength = 64 * 1024 * 1024

// ErrLineTooLong is returned when a message exceeds MaxLineLength.
var ErrLineTooLong = errors.New("message exceeds maximum line length")

const readBufferSize = 64 * 1024

// lineConn frames messages over a byte stream. Writers are serialized;
// Receive must only be called from one goroutine.
type lineConn struct {
	mu sync.Mutex
	w  *bufio.Writer
	r  *bufio.Reader
}

func newLineConn(r io.Reader, w io.Writer) lineConn {
	return lineConn{w: bufio.NewWriter(w), r: bufio.NewReaderSize(r, readBufferSize)}
}

// Send implements Transport.
func (c *lineConn) Send(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeLine(c.w, line)
}

// Receive implements Transport.
func (c *lineConn) Receive() ([]byte, error) {
	return readLine(c.r)
}

// StdioTransport talks to an agent process over its stdin and stdout.
type StdioTransport struct {
	lineConn
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// NewStdioTransport starts cmd with its stdio connected to the transport.
func NewStdioTransport(cmd *exec.Cmd) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start agent %s: %w", cmd.Path, err)
	}
	return &StdioTransport{
		lineConn: newLineConn(stdout, stdin),
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
	}, nil
}

// Close kills the agent and reaps it. The exit error of the killed
// process is returned.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stdin.Close()
	t.stdout.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

// SocketTransport talks to an agent listening on TCP.
type SocketTransport struct {
	lineConn
	conn net.Conn
}

// NewSocketTransport dials address.
func NewSocketTransport(address string) (*SocketTransport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect to agent at %s: %w", address, err)
	}
	return NewSocketTransportFromConn(conn), nil
}

// NewSocketTransportFromConn wraps an established connection.
func NewSocketTransportFromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{lineConn: newLineConn(conn, conn), conn: conn}
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// RawTransport frames messages over any io.ReadWriteCloser, such as one
// end of a net.Pipe.
type RawTransport struct {
	lineConn
	rwc io.ReadWriteCloser
}

// NewRawTransport returns a transport over rwc.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{lineConn: newLineConn(rwc, rwc), rwc: rwc}
}

// Close closes rwc.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}

// writeLine writes line plus a newline and flushes.
func writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// readLine reads one newline-terminated message. The returned slice does not
// include the newline (or a preceding carriage return) and is owned by the
// caller. A final unterminated line before EOF is returned as a message.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineLength {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}
