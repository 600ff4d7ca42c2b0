package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	// ChunkSize is the unit in which block payloads are streamed.
	ChunkSize = 4096

	// MaxLineLength bounds a single control line.
	MaxLineLength = 4096
)

// Conn wraps a stream connection with line framing and per-operation
// deadlines. A Conn is not safe for concurrent use.
type Conn struct {
	conn     net.Conn
	rd       *bufio.Reader
	addr     string
	timeout  time.Duration
	deadline time.Time // hard limit from the caller's context, zero if none
	stop     func() bool
}

// NewConn wraps c. A positive timeout bounds every read and write.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		conn:    c,
		rd:      bufio.NewReaderSize(c, MaxLineLength),
		addr:    c.RemoteAddr().String(),
		timeout: timeout,
		stop:    func() bool { return false },
	}
}

// Dial connects to addr. The connection honours ctx: its deadline caps every
// operation and cancellation aborts blocked reads and writes.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnError{Addr: addr, Op: "dial", Err: err}
	}
	c := NewConn(nc, timeout)
	c.addr = addr
	if dl, ok := ctx.Deadline(); ok {
		c.deadline = dl
	}
	c.stop = context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now()) //nolint:errcheck
	})
	return c, nil
}

// Addr returns the peer address.
func (c *Conn) Addr() string { return c.addr }

// Close releases the connection.
func (c *Conn) Close() error {
	c.stop()
	return c.conn.Close()
}

// CloseWrite half-closes the connection when the transport supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (c *Conn) nextDeadline() time.Time {
	var dl time.Time
	if c.timeout > 0 {
		dl = time.Now().Add(c.timeout)
	}
	if !c.deadline.IsZero() && (dl.IsZero() || c.deadline.Before(dl)) {
		dl = c.deadline
	}
	return dl
}

func (c *Conn) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{Addr: c.addr, Op: op, Err: err}
}

// WriteLine sends s followed by a newline.
func (c *Conn) WriteLine(s string) error {
	c.conn.SetWriteDeadline(c.nextDeadline()) //nolint:errcheck
	_, err := io.WriteString(c.conn, s+"\n")
	return c.wrap("write", err)
}

// ReadLine reads one control line without its terminator. A peer that closes
// the connection before sending anything yields io.EOF.
func (c *Conn) ReadLine() (string, error) {
	c.conn.SetReadDeadline(c.nextDeadline()) //nolint:errcheck
	line, err := c.rd.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return "", fmt.Errorf("%w: line longer than %d bytes", ErrProtocol, MaxLineLength)
	case errors.Is(err, io.EOF) && len(line) == 0:
		return "", io.EOF
	case errors.Is(err, io.EOF):
		return "", fmt.Errorf("%w: unterminated line", ErrProtocol)
	default:
		return "", c.wrap("read", err)
	}
	n := len(line) - 1
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n]), nil
}

// ReadJSON decodes one JSON value from the connection. Unlike ReadLine it has
// no length limit, since master replies grow with the number of blocks.
func (c *Conn) ReadJSON(v any) error {
	c.conn.SetReadDeadline(c.nextDeadline()) //nolint:errcheck
	err := json.NewDecoder(c.rd).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return c.wrap("read", io.ErrUnexpectedEOF)
	case errors.As(err, new(net.Error)):
		return c.wrap("read", err)
	default:
		return fmt.Errorf("%w: decode reply: %v", ErrProtocol, err)
	}
}

// WriteJSON sends v as one newline terminated JSON document.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	c.conn.SetWriteDeadline(c.nextDeadline()) //nolint:errcheck
	_, err = c.conn.Write(append(data, '\n'))
	return c.wrap("write", err)
}

// Expect reads one line and checks it equals want. NOT_FOUND and ERROR from
// the peer map to ErrNotFound and ErrTransferIntegrity.
func (c *Conn) Expect(want string) error {
	got, err := c.ReadLine()
	if errors.Is(err, io.EOF) {
		return c.wrap("read", io.ErrUnexpectedEOF)
	}
	if err != nil {
		return err
	}
	if got == want {
		return nil
	}
	switch got {
	case TokNotFound:
		return ErrNotFound
	case TokError:
		return ErrTransferIntegrity
	}
	return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, want, got)
}

// WriteLength sends a decimal length header.
func (c *Conn) WriteLength(n int64) error {
	return c.WriteLine(strconv.FormatInt(n, 10))
}

// ReadLength reads a decimal length header.
func (c *Conn) ReadLength() (int64, error) {
	line, err := c.ReadLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(line, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad length %q", ErrProtocol, line)
	}
	return n, nil
}

// WritePayload streams exactly n bytes from r in ChunkSize pieces.
func (c *Conn) WritePayload(r io.Reader, n int64) error {
	buf := make([]byte, ChunkSize)
	var sent int64
	for sent < n {
		want := min(int64(len(buf)), n-sent)
		got, err := io.ReadFull(r, buf[:want])
		if got > 0 {
			c.conn.SetWriteDeadline(c.nextDeadline()) //nolint:errcheck
			if _, werr := c.conn.Write(buf[:got]); werr != nil {
				return c.wrap("write", werr)
			}
			sent += int64(got)
		}
		if err != nil {
			return fmt.Errorf("read payload source after %d of %d bytes: %w", sent, n, err)
		}
	}
	return nil
}

// ReadPayload accumulates exactly n bytes. The peer may deliver fewer bytes
// per read, so it loops until n bytes arrived or the stream ends. A stream that
// ends early returns the partial bytes and ErrTransferIntegrity.
func (c *Conn) ReadPayload(n int64) ([]byte, error) {
	buf := make([]byte, n)
	var got int64
	for got < n {
		c.conn.SetReadDeadline(c.nextDeadline()) //nolint:errcheck
		end := min(got+ChunkSize, n)
		m, err := c.rd.Read(buf[got:end])
		got += int64(m)
		if errors.Is(err, io.EOF) {
			return buf[:got], fmt.Errorf("%w: got %d of %d bytes", ErrTransferIntegrity, got, n)
		}
		if err != nil {
			return buf[:got], c.wrap("read", err)
		}
	}
	return buf, nil
}
