// Package port implements the length-prefixed framed object transport that
// every Task/Agent exchange rides on: a u32be length prefix followed by an
// encoded payload, one connection per task.
package port

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cuemby/fleetrun/pkg/wire"
)

// ErrTransport wraps an abnormal I/O failure on a Port: a reset connection,
// a failed write, an oversize frame, a failed dial. Callers distinguish it
// from protocol/user errors with errors.Is.
var ErrTransport = errors.New("port: transport error")

// ErrEOF is returned by Read when the peer closed the connection, whether
// before a length prefix or partway through a frame (distinct from
// ErrTransport, which signals an abnormal failure).
var ErrEOF = errors.New("port: peer closed connection")

const maxFrameLen = 256 << 20 // 256MiB, generous ceiling against a corrupt length prefix

// Port wraps a single net.Conn with the length-prefixed framing protocol.
type Port struct {
	mu       sync.Mutex
	conn     net.Conn
	peerAddr string
	codec    wire.Codec
	closed   bool
}

// New wraps an already-established connection as a Port.
func New(conn net.Conn) *Port {
	return &Port{conn: conn, peerAddr: conn.RemoteAddr().String(), codec: wire.JSON}
}

// Write encodes obj, prepends its length, and sends the frame. A failed
// socket write closes the Port; socket, closed-port and oversize-frame
// failures return a wrapped ErrTransport. An encode failure returns the
// codec's error and leaves the Port open.
func (p *Port) Write(obj any) error {
	payload, err := p.codec.Encode(obj)
	if err != nil {
		return fmt.Errorf("port: encode: %w", err)
	}
	if len(payload) > maxFrameLen {
		return fmt.Errorf("port: frame too large (%d bytes): %w", len(payload), ErrTransport)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("port: write on closed port: %w", ErrTransport)
	}

	if _, err := p.conn.Write(header); err != nil {
		p.closeLocked()
		return fmt.Errorf("port: write header: %w: %w", err, ErrTransport)
	}
	if _, err := p.conn.Write(payload); err != nil {
		p.closeLocked()
		return fmt.Errorf("port: write payload: %w: %w", err, ErrTransport)
	}
	return nil
}

// Read receives the next frame and decodes it into a generic value. Returns
// ErrEOF when the peer closed the connection, including mid-frame.
func (p *Port) Read() (any, error) {
	raw, err := p.ReadRaw()
	if err != nil {
		return nil, err
	}
	var v any
	if err := p.codec.Decode(raw, &v); err != nil {
		return nil, fmt.Errorf("port: decode: %w", err)
	}
	return v, nil
}

// ReadInto receives the next frame and decodes it into out.
func (p *Port) ReadInto(out any) error {
	raw, err := p.ReadRaw()
	if err != nil {
		return err
	}
	if err := p.codec.Decode(raw, out); err != nil {
		return fmt.Errorf("port: decode: %w", err)
	}
	return nil
}

// ReadRaw receives the next frame's undecoded payload bytes.
func (p *Port) ReadRaw() ([]byte, error) {
	header := make([]byte, 4)
	if err := p.readFull(header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameLen {
		return nil, fmt.Errorf("port: frame length %d exceeds limit: %w", length, ErrTransport)
	}
	if length == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, length)
	if err := p.readFull(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// readFull loops recv until buf is filled, matching the "read 4
// bytes, then exactly length bytes, looping until complete".
func (p *Port) readFull(buf []byte) error {
	n, err := io.ReadFull(p.conn, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrEOF
		}
		return fmt.Errorf("port: read (%d/%d bytes): %w: %w", n, len(buf), err, ErrTransport)
	}
	return nil
}

// PeerAddr returns the remote address this Port was connected to.
func (p *Port) PeerAddr() string {
	return p.peerAddr
}

// Close shuts down and closes the underlying connection. Idempotent.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Port) closeLocked() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if tc, ok := p.conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
	}
	return p.conn.Close()
}

// File returns a duplicated descriptor for the underlying TCP connection,
// suitable for handing to a child process via exec.Cmd.ExtraFiles. The dup is independent of p's own descriptor: the
// caller owns it and must close it once the child has inherited it.
func (p *Port) File() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tc, ok := p.conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("port: underlying conn is %T, not *net.TCPConn: %w", p.conn, ErrTransport)
	}
	f, err := tc.File()
	if err != nil {
		return nil, fmt.Errorf("port: duplicate connection fd: %w: %w", err, ErrTransport)
	}
	return f, nil
}

// CloseAfterHandoff releases p's own reference to the connection without
// shutting down the socket. Close calls CloseRead/CloseWrite, which issue
// shutdown(2) against the socket itself, severing it for every duplicated
// descriptor including ones already handed to a forked child; this method
// is the one to use once such a handoff has happened, since a plain close(2)
// here only drops the parent's reference and leaves the child's copy intact.
func (p *Port) CloseAfterHandoff() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// Reconnect re-establishes a fresh TCP connection to the cached peer
// address and swaps it in, for use after a handshake-phase transport
// failure.
func (p *Port) Reconnect() error {
	conn, err := net.DialTimeout("tcp", p.peerAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("port: reconnect to %s: %w: %w", p.peerAddr, err, ErrTransport)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.Close()
	p.conn = conn
	p.closed = false
	return nil
}

// RetryPolicy bounds a connect retry loop.
type RetryPolicy struct {
	Times    int
	Interval time.Duration
}

// DefaultConnectRetry matches the connect-with-retry default
// (times=10, interval=1s).
var DefaultConnectRetry = RetryPolicy{Times: 10, Interval: time.Second}

// Connect dials addr, retrying per policy, and returns a Port on success.
func Connect(addr string, policy RetryPolicy) (*Port, error) {
	var lastErr error
	for attempt := 0; attempt < policy.Times; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			return New(conn), nil
		}
		lastErr = err
		if attempt < policy.Times-1 {
			time.Sleep(policy.Interval)
		}
	}
	return nil, fmt.Errorf("port: connect to %s failed after %d attempts: %w: %w", addr, policy.Times, lastErr, ErrTransport)
}

// Listener wraps a TCP listener whose Accept returns Ports.
type Listener struct {
	ln net.Listener
}

// CreateListener binds 0.0.0.0:port with a backlog the stdlib manages
// internally; a backlog of at least 1024 is wanted, which the OS default
// on Linux already satisfies for net.Listen's SO_LISTEN call underneath.
func CreateListener(bindPort int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", bindPort))
	if err != nil {
		return nil, fmt.Errorf("port: listen on %d: %w", bindPort, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection and wraps it as a Port.
func (l *Listener) Accept() (*Port, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("port: accept: %w: %w", err, ErrTransport)
	}
	return New(conn), nil
}

// Addr returns the bound listener address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
