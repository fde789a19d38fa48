package sidechannel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lyc8503/holechat/internal/udputil"
	"github.com/lyc8503/holechat/stun"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 5 * time.Second

	pollInterval = 250 * time.Millisecond
)

// Client registers on a rendezvous channel over a borrowed socket.
type Client struct {
	Conn   net.PacketConn
	Server *net.UDPAddr

	// Timeout bounds the wait for the server's "ok <channel>". Waiting for a
	// partner is bounded only by the context.
	Timeout time.Duration
}

// Peer is the partner handed out by the rendezvous server.
type Peer struct {
	Addr    *net.UDPAddr
	NATType stun.NATType
}

func (p *Peer) String() string {
	return fmt.Sprintf("%v (%s)", p.Addr, p.NATType)
}

// Register announces nat on channel and blocks until a partner shows up.
// nat is sent as its advertised wire class.
func (c *Client) Register(ctx context.Context, channel string, nat stun.NATType) (*Peer, error) {
	if err := ValidChannel(channel); err != nil {
		return nil, err
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hs := Handshake{Channel: channel, NATType: nat.WireID()}
	log.Debugf("Sending handshake %q to %v", hs, c.Server)
	if _, err := c.Conn.WriteTo([]byte(hs.String()), c.Server); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := c.readFromServer(ctx, buf, time.Now().Add(timeout))
	if err != nil {
		return nil, fmt.Errorf("wait for acknowledgement: %w", err)
	}
	if string(buf[:n]) != string(OKReply(channel)) {
		return nil, fmt.Errorf("%w: %q", ErrBadAck, buf[:n])
	}

	if _, err := c.Conn.WriteTo([]byte(Confirm), c.Server); err != nil {
		return nil, fmt.Errorf("send confirmation: %w", err)
	}
	log.Infof("request sent, waiting for partner in channel '%s'...", channel)

	for {
		n, err := c.readFromServer(ctx, buf, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("wait for partner: %w", err)
		}
		var rec EndpointRecord
		if err := rec.UnmarshalBinary(buf[:n]); err != nil {
			log.Debugf("Ignoring %d byte datagram while waiting for partner", n)
			continue
		}
		t, err := rec.Type()
		if err != nil {
			return nil, fmt.Errorf("partner record: %w", err)
		}
		peer := &Peer{Addr: rec.Addr(), NATType: t}
		log.Infof("connected to %v, its NAT type is %s", peer.Addr, peer.NATType)
		return peer, nil
	}
}

// readFromServer returns the next datagram from the server. A zero deadline
// waits until ctx is done. Reads are sliced so cancellation is noticed
// without a watcher goroutine racing our own deadlines.
func (c *Client) readFromServer(ctx context.Context, buf []byte, deadline time.Time) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		next := time.Now().Add(pollInterval)
		if !deadline.IsZero() && deadline.Before(next) {
			next = deadline
		}
		if err := c.Conn.SetReadDeadline(next); err != nil {
			return 0, err
		}

		n, from, err := c.Conn.ReadFrom(buf)
		if err != nil {
			if udputil.IsTimeout(err) {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return 0, err
				}
				continue
			}
			return 0, err
		}
		if !udputil.SameAddr(from, c.Server) {
			log.Debugf("Ignoring datagram from %v, not the rendezvous server", from)
			continue
		}
		return n, nil
	}
}
