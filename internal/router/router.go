// Package router implements the per-connection request/reply correlation
// and notification dispatch described in spec.md section 4.C.
package router

import (
	"sync"
	"time"

	"github.com/fkserver/core/internal/wire"
)

const idRollover = 10_000_000

// CancelReply is returned by WaitForReply when the caller's cancel channel
// fires (the Player went offline while a reply was outstanding).
const CancelReply = "__cancel"

// Sender transmits a packet to the remote peer. Connections implement this.
type Sender func(p wire.Packet) error

// replySlot holds the most recently delivered reply payload for an
// outstanding request, guarded by its own mutex per spec.md section 4.C/5.
type replySlot struct {
	mu    sync.Mutex
	ready bool
	value []byte
}

func (s *replySlot) set(v []byte) {
	s.mu.Lock()
	s.value = v
	s.ready = true
	s.mu.Unlock()
}

func (s *replySlot) get() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.ready
}

func (s *replySlot) clear() {
	s.mu.Lock()
	s.value = nil
	s.ready = false
	s.mu.Unlock()
}

// Router correlates outbound requests with their replies and dispatches
// inbound notifications for a single connection.
type Router struct {
	send Sender

	mu            sync.Mutex
	nextID        int32
	expectedReply int32 // -1 if no request is outstanding
	sentAt        time.Time
	replyTimeout  time.Duration

	slot replySlot

	readyCh chan struct{}

	onNotification func(wire.Packet)
}

// New builds a Router bound to send for outbound traffic.
func New(send Sender) *Router {
	return &Router{
		send:          send,
		expectedReply: -1,
		readyCh:       make(chan struct{}, 1),
	}
}

// OnNotification registers the callback invoked for inbound notification packets.
func (r *Router) OnNotification(fn func(wire.Packet)) {
	r.mu.Lock()
	r.onNotification = fn
	r.mu.Unlock()
}

func (r *Router) allocateID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID = (r.nextID + 1) % idRollover
	return id
}

// Request allocates a new request id, arms the reply slot and sends a
// 6-field request packet.
func (r *Router) Request(typ int32, command, payload []byte, timeout int32, ts int64) (int32, error) {
	id := r.allocateID()

	r.mu.Lock()
	r.expectedReply = id
	r.sentAt = time.Now()
	r.replyTimeout = time.Duration(timeout) * time.Second
	r.mu.Unlock()

	r.slot.clear()
	drainNonBlocking(r.readyCh)

	pkt := wire.NewRequest(id, typ, command, payload, timeout, ts)
	return id, r.send(pkt)
}

// Notify sends a 4-field notification packet with requestId -2.
func (r *Router) Notify(typ int32, command, payload []byte) error {
	return r.send(wire.NewNotification(typ, command, payload))
}

// AbortRequest clears any pending reply slot without waiting for it.
func (r *Router) AbortRequest() {
	r.mu.Lock()
	r.expectedReply = -1
	r.mu.Unlock()
	r.slot.clear()
}

// WaitForReply blocks until the reply slot is populated by HandlePacket, the
// timeout elapses, or cancel fires (the owning Player went offline). It
// returns CancelReply ("__cancel") on cancellation, "" if the wait was
// aborted or timed out, or the reply payload as a string otherwise.
func (r *Router) WaitForReply(cancel <-chan struct{}) string {
	r.mu.Lock()
	timeout := r.replyTimeout
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.readyCh:
		v, ok := r.slot.get()
		if !ok {
			return ""
		}
		return string(v)
	case <-timer.C:
		return ""
	case <-cancel:
		return CancelReply
	}
}

// HandlePacket dispatches an inbound packet: notifications go to the
// registered callback; replies are correlated against the outstanding
// request id and, if they match and arrive within timeout, stored in the
// reply slot and signaled. Mismatched or stale replies are silently dropped.
func (r *Router) HandlePacket(pkt wire.Packet) {
	if pkt.IsNotification() {
		r.mu.Lock()
		fn := r.onNotification
		r.mu.Unlock()
		if fn != nil {
			fn(pkt)
		}
		return
	}

	if !pkt.IsReply() {
		return
	}

	r.mu.Lock()
	expected := r.expectedReply
	sentAt := r.sentAt
	timeout := r.replyTimeout
	r.mu.Unlock()

	if expected == -1 || pkt.RequestID != expected {
		return
	}
	if timeout > 0 && time.Since(sentAt) > timeout {
		return
	}

	r.slot.set(pkt.Payload)
	r.mu.Lock()
	r.expectedReply = -1
	r.mu.Unlock()

	select {
	case r.readyCh <- struct{}{}:
	default:
	}
}

func drainNonBlocking(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
