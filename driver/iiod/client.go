package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/gouhd/internal/logging"
)

// DefaultPort is the TCP port iiod listens on.
const DefaultPort = 30431

// etimedout is the errno iiod answers when a buffer operation exceeds the
// TIMEOUT set on the connection.
const etimedout = 110

var (
	// ErrTimeout reports that a command got no reply in time. The reply is
	// discarded when it arrives, so the connection stays usable.
	ErrTimeout = errors.New("iiod: timed out")
	// ErrBroken reports a connection that failed in the middle of a reply.
	// Every later command fails with it.
	ErrBroken = errors.New("iiod: connection broken")
)

// RemoteError is a negative status returned by iiod. Errno is positive.
type RemoteError struct {
	Op    string
	Errno int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("iiod %s: errno %d", e.Op, e.Errno)
}

// DialOptions controls connection setup.
type DialOptions struct {
	// Timeout bounds each connection attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first failure.
	Retries uint64
	// IOTimeout bounds each command when the caller's context has no deadline.
	IOTimeout time.Duration
	Logger    logging.Logger
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Client speaks the iiod text protocol over one TCP connection. Commands
// are serialized; a Client may be shared between goroutines.
type Client struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	in     *countingReader
	reader *bufio.Reader
	writer *bufio.Writer

	// mark is in.n when the current reply started.
	mark    int64
	pending *lateReply
	broken  error
	// serverTimeout is the last TIMEOUT acknowledged by the server.
	serverTimeout time.Duration
}

// lateReply is a reply that missed its deadline before any byte arrived.
// size is the READBUF payload still owed, zero for a status line.
type lateReply struct {
	op   string
	size int
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Dial connects to iiod at addr, retrying with exponential backoff. A
// missing port defaults to DefaultPort.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	opts = opts.withDefaults()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		d := net.Dialer{Timeout: opts.Timeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			opts.Logger.Debug("iiod dial failed",
				logging.Field{Key: "addr", Value: addr},
				logging.Field{Key: "attempt", Value: attempt},
				logging.Field{Key: "error", Value: err},
			)
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, opts.Retries), ctx)); err != nil {
		return nil, fmt.Errorf("connect to iiod at %s: %w", addr, err)
	}

	opts.Logger.Debug("iiod connected", logging.Field{Key: "addr", Value: addr})
	in := &countingReader{r: conn}
	return &Client{
		addr:    addr,
		timeout: opts.IOTimeout,
		conn:    conn,
		in:      in,
		reader:  bufio.NewReader(in),
		writer:  bufio.NewWriter(conn),
	}, nil
}

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// Close closes the connection. Closing a broken client is not an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = fmt.Errorf("%w: client closed", ErrBroken)
	return c.conn.Close()
}

func (c *Client) deadline(ctx context.Context) {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(c.timeout)
	}
	_ = c.conn.SetDeadline(dl)
}

// begin prepares the connection for one command. Callers hold c.mu.
func (c *Client) begin(ctx context.Context) error {
	if c.broken != nil {
		return c.broken
	}
	c.deadline(ctx)
	if c.pending != nil {
		if err := c.drain(); err != nil {
			return err
		}
	}
	c.mark = c.in.n
	return nil
}

// drain consumes the late reply of an earlier command.
func (c *Client) drain() error {
	p := c.pending
	c.mark = c.in.n
	var err error
	if p.size == 0 {
		_, err = c.readLine()
	} else {
		err = c.discardReadBuf(p.size)
	}
	if err != nil {
		return c.replyFailed(p.op, err, p.size)
	}
	c.pending = nil
	return nil
}

func (c *Client) discardReadBuf(size int) error {
	for size > 0 {
		n, err := c.readStatus("READBUF")
		var re *RemoteError
		if errors.As(err, &re) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := c.readLine(); err != nil {
			return err
		}
		if _, err := c.reader.Discard(n); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

// replyFailed classifies a transport error met while reading a reply. A
// timeout before the first byte leaves the reply pending; anything else
// breaks the connection.
func (c *Client) replyFailed(op string, err error, size int) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && c.in.n == c.mark {
		c.pending = &lateReply{op: op, size: size}
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return c.breakConn(op, err)
}

func (c *Client) breakConn(op string, err error) error {
	c.broken = fmt.Errorf("%w: %s: %v", ErrBroken, op, err)
	_ = c.conn.Close()
	return c.broken
}

// remoteTimeout turns an ETIMEDOUT answer into ErrTimeout.
func remoteTimeout(err error) error {
	var re *RemoteError
	if errors.As(err, &re) && re.Errno == etimedout {
		return fmt.Errorf("%s: %w (errno %d)", re.Op, ErrTimeout, re.Errno)
	}
	return err
}

func (c *Client) send(cmd string, payload []byte) error {
	if _, err := c.writer.WriteString(cmd + "\n"); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.writer.Write(payload); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// readLine reads a full line and trims \r\n.
func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readStatus reads an integer reply line. Negative values become a
// *RemoteError.
func (c *Client) readStatus(op string) (int, error) {
	line, err := c.readLine()
	if err != nil {
		return 0, fmt.Errorf("%s reply: %w", op, err)
	}
	v, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%s reply %q: %w", op, line, err)
	}
	if v < 0 {
		return 0, &RemoteError{Op: op, Errno: -v}
	}
	return v, nil
}

func (c *Client) simple(ctx context.Context, op, cmd string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simpleLocked(ctx, op, cmd)
}

func (c *Client) simpleLocked(ctx context.Context, op, cmd string) (int, error) {
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	if err := c.send(cmd, nil); err != nil {
		return 0, c.breakConn(op, err)
	}
	v, err := c.readStatus(op)
	var re *RemoteError
	if err != nil && !errors.As(err, &re) {
		return 0, c.replyFailed(op, err, 0)
	}
	return v, remoteTimeout(err)
}

// Print returns the XML description of the remote context.
func (c *Client) Print(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	if err := c.send("PRINT", nil); err != nil {
		return nil, c.breakConn("PRINT", err)
	}
	n, err := c.readStatus("PRINT")
	var re *RemoteError
	if errors.As(err, &re) {
		return nil, err
	}
	if err != nil {
		return nil, c.breakConn("PRINT", err)
	}
	xmlData := make([]byte, n)
	if _, err := io.ReadFull(c.reader, xmlData); err != nil {
		return nil, c.breakConn("PRINT payload", err)
	}
	// trailing newline
	if _, err := c.reader.ReadString('\n'); err != nil {
		return nil, c.breakConn("PRINT payload", err)
	}
	return xmlData, nil
}

// SetTimeout sets the server-side timeout for buffer operations. A value
// the server already acknowledged is not sent again.
func (c *Client) SetTimeout(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverTimeout == d && c.broken == nil && c.pending == nil {
		return nil
	}
	c.serverTimeout = 0
	if _, err := c.simpleLocked(ctx, "TIMEOUT", fmt.Sprintf("TIMEOUT %d", d.Milliseconds())); err != nil {
		return err
	}
	c.serverTimeout = d
	return nil
}

// Open creates the buffer of device with room for samples and the scan
// elements selected by mask enabled.
func (c *Client) Open(ctx context.Context, device string, samples int, mask uint32, cyclic bool) error {
	if strings.TrimSpace(device) == "" {
		return fmt.Errorf("device name is required")
	}
	if samples <= 0 {
		return fmt.Errorf("sample count must be positive")
	}
	cmd := fmt.Sprintf("OPEN %s %d %08x", device, samples, mask)
	if cyclic {
		cmd += " CYCLIC"
	}
	_, err := c.simple(ctx, "OPEN", cmd)
	return err
}

// CloseBuffer destroys the buffer of device.
func (c *Client) CloseBuffer(ctx context.Context, device string) error {
	_, err := c.simple(ctx, "CLOSE", "CLOSE "+device)
	return err
}

// ReadBuf fills p with raw samples from the buffer of device. The server
// may answer in several chunks; each carries its length and the active
// channel mask.
//
// ErrTimeout is returned when no data arrived in time, either because the
// server answered ETIMEDOUT or because the deadline passed before the
// reply started. A server timeout after some chunks ends the read early
// without an error.
func (c *Client) ReadBuf(ctx context.Context, device string, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	if err := c.send(fmt.Sprintf("READBUF %s %d", device, len(p)), nil); err != nil {
		return 0, c.breakConn("READBUF", err)
	}
	total := 0
	for total < len(p) {
		n, err := c.readStatus("READBUF")
		var re *RemoteError
		switch {
		case errors.As(err, &re) && re.Errno == etimedout && total > 0:
			return total, nil
		case errors.As(err, &re):
			return total, remoteTimeout(err)
		case err != nil:
			return total, c.replyFailed("READBUF", err, len(p))
		}
		if n == 0 {
			break
		}
		if n > len(p)-total {
			return total, c.breakConn("READBUF", fmt.Errorf("chunk of %d bytes exceeds the %d requested", n, len(p)-total))
		}
		if _, err := c.readLine(); err != nil {
			return total, c.breakConn("READBUF mask", err)
		}
		if _, err := io.ReadFull(c.reader, p[total:total+n]); err != nil {
			return total, c.breakConn("READBUF payload", err)
		}
		total += n
	}
	return total, nil
}

// WriteBuf pushes p into the buffer of device and returns the number of
// bytes the server accepted.
func (c *Client) WriteBuf(ctx context.Context, device string, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("no data provided for buffer write")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	if err := c.send(fmt.Sprintf("WRITEBUF %s %d", device, len(p)), p); err != nil {
		return 0, c.breakConn("WRITEBUF", err)
	}
	n, err := c.readStatus("WRITEBUF")
	var re *RemoteError
	if err != nil && !errors.As(err, &re) {
		return 0, c.replyFailed("WRITEBUF", err, 0)
	}
	return n, remoteTimeout(err)
}
