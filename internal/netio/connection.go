// Package netio owns the TCP socket for a connected client (spec.md section
// 4.B), mirroring archon's internal/core/client.Client plus
// internal/server/frontend's read loop, generalized to the self-delimiting
// wire.Decoder instead of PSO's fixed-size-header packets.
package netio

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/wire"
)

const readBufferSize = 32 * 1024

// HandshakeTimeout is the window within which Setup must arrive (spec.md 4.B/4.E).
const HandshakeTimeout = 3 * time.Minute

// Connection owns one TCP socket, decodes the inbound byte stream into
// packets with wire.Decoder, and serializes outbound writes onto a shared
// executor so no two goroutines ever write to the same socket concurrently.
type Connection struct {
	conn   net.Conn
	ipAddr string

	writeExec *executor.Executor
	decoder   *wire.Decoder

	mu            sync.Mutex
	onPacket      func(Packet wire.Packet)
	onDisconnect  func(err error)
	disconnected  bool
	handshakeTmr  *time.Timer
}

// Packet is an alias kept for readability at call sites; the wire type is authoritative.
type Packet = wire.Packet

// New wraps conn, ready to have its callbacks set and StartReading called.
// writeExec is the executor all outbound writes are posted to — the
// server's main executor, per spec.md section 4.B.
func New(conn net.Conn, writeExec *executor.Executor) *Connection {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Connection{
		conn:      conn,
		ipAddr:    host,
		writeExec: writeExec,
		decoder:   wire.NewDecoder(),
	}
}

// IPAddr returns the remote peer's address without the port.
func (c *Connection) IPAddr() string { return c.ipAddr }

// OnPacket registers the callback invoked for each decoded packet.
func (c *Connection) OnPacket(fn func(wire.Packet)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPacket = fn
}

// OnDisconnect registers the callback invoked exactly once when the
// connection is torn down, whether by read error, malformed frame, or
// explicit Close.
func (c *Connection) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// ArmHandshakeTimer closes the connection if it fires before
// DisarmHandshakeTimer is called (spec.md section 4.B).
func (c *Connection) ArmHandshakeTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeTmr = time.AfterFunc(HandshakeTimeout, func() {
		_ = c.Close()
	})
}

// DisarmHandshakeTimer cancels the handshake timer once Setup succeeds.
func (c *Connection) DisarmHandshakeTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshakeTmr != nil {
		c.handshakeTmr.Stop()
	}
}

// StartReading blocks, reading from the socket until it closes or a
// malformed frame is observed. Intended to be run in its own goroutine.
func (c *Connection) StartReading() {
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			packets, decErr := c.decoder.Feed(buf[:n])
			for _, pkt := range packets {
				c.dispatchPacket(pkt)
			}
			if decErr != nil {
				c.teardown(decErr)
				return
			}
		}

		if err != nil {
			if err == io.EOF {
				c.teardown(nil)
			} else {
				c.teardown(err)
			}
			return
		}
	}
}

func (c *Connection) dispatchPacket(pkt wire.Packet) {
	c.mu.Lock()
	fn := c.onPacket
	c.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

// teardown closes the socket (if not already closed) and invokes the
// disconnected callback exactly once, then replaces both callbacks with
// no-ops so any late event delivered after this point is silently dropped.
func (c *Connection) teardown(err error) {
	_ = c.conn.Close()

	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	fn := c.onDisconnect
	c.onPacket = nil
	c.onDisconnect = nil
	if c.handshakeTmr != nil {
		c.handshakeTmr.Stop()
	}
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Close tears down the connection from the server side (e.g. a kick).
func (c *Connection) Close() error {
	err := c.conn.Close()
	c.teardown(nil)
	return err
}

// Send encodes and writes pkt, posted to the write executor so all outbound
// traffic for this socket is serialized through a single point regardless of
// which goroutine or Room Thread originated it (spec.md section 4.B/5).
func (c *Connection) Send(pkt wire.Packet) {
	data := wire.Encode(pkt)
	c.writeExec.Post(func() {
		c.mu.Lock()
		closed := c.disconnected
		c.mu.Unlock()
		if closed {
			return
		}
		_, _ = writeFull(c.conn, data)
	})
}

func writeFull(w io.Writer, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := w.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
