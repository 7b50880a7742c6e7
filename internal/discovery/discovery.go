// Package discovery implements the UDP service-discovery responder spec.md
// section 6 carves out as an external collaborator: a single-packet
// request/reply reflector sharing the TCP listener's port. Grounded on
// mqzhifu-frame_sync/netway/udpServer.go's net.ListenUDP + ReadFromUDP loop,
// adapted from that repo's session-routing responder into the two
// stateless commands spec.md names (fkDetectServer, fkGetDetail).
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/buildinfo"
)

const readBufferSize = 1024

// Info is the subset of server state the detail reply reports. Implemented
// by gameserver.Server.
type Info interface {
	Description() string
	IconURL() string
	Capacity() int
	OnlineCount() int
}

// Responder owns one UDP socket and answers discovery requests until
// Close is called.
type Responder struct {
	conn *net.UDPConn
	info Info
}

// Listen opens a UDP socket on addr and returns a Responder ready to Serve.
func Listen(addr string, info Info) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving udp addr %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening udp on %s: %w", addr, err)
	}
	return &Responder{conn: conn, info: info}, nil
}

// Serve reads one datagram at a time and replies inline; it runs until the
// socket is closed, at which point it returns nil.
func (r *Responder) Serve() error {
	buf := make([]byte, readBufferSize)
	for {
		n, peer, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			log.Warnf("discovery: read failed: %v", err)
			continue
		}
		r.handle(string(buf[:n]), peer)
	}
}

func (r *Responder) handle(request string, peer *net.UDPAddr) {
	switch {
	case request == "fkDetectServer":
		r.reply(peer, "me")
	case strings.HasPrefix(request, "fkGetDetail,"):
		clientVersion := strings.TrimPrefix(request, "fkGetDetail,")
		body, err := json.Marshal([]interface{}{
			buildinfo.Version,
			r.info.IconURL(),
			r.info.Description(),
			r.info.Capacity(),
			r.info.OnlineCount(),
			clientVersion,
		})
		if err != nil {
			log.Warnf("discovery: encoding detail reply: %v", err)
			return
		}
		r.reply(peer, string(body))
	default:
		log.Debugf("discovery: ignoring unrecognized request %q from %s", request, peer)
	}
}

func (r *Responder) reply(peer *net.UDPAddr, body string) {
	if _, err := r.conn.WriteToUDP([]byte(body), peer); err != nil {
		log.Warnf("discovery: writing reply to %s: %v", peer, err)
	}
}

// Close shuts down the UDP socket, causing Serve to return.
func (r *Responder) Close() error {
	return r.conn.Close()
}
