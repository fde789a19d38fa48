// Package udputil holds the small socket helpers shared by the classifier,
// the rendezvous client and the traversal session.
package udputil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
)

// aLongTimeAgo is a non-zero deadline in the past, used to unblock reads.
var aLongTimeAgo = time.Unix(1, 0)

// ListenUDP4 binds an IPv4 UDP socket with SO_REUSEADDR/SO_REUSEPORT set, so a
// restarted client can take its old port back while the NAT mapping is warm.
func ListenUDP4(addr string) (net.PacketConn, error) {
	conn, err := reuseport.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return conn, nil
}

// OutboundIP returns the local IP the kernel would use to reach raddr.
// Connecting a UDP socket sends nothing.
func OutboundIP(raddr *net.UDPAddr) (net.IP, error) {
	c, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP, nil
}

// SameAddr compares two UDP endpoints by IP and port.
func SameAddr(a net.Addr, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		var err error
		ua, err = net.ResolveUDPAddr("udp", a.String())
		if err != nil {
			return false
		}
	}
	return ua.Port == b.Port && ua.IP.Equal(b.IP)
}

// UnblockOnDone forces pending reads on conn to return once ctx is done.
// The returned stop function releases the watcher and waits for it, so a
// deadline set after stop returns is never overwritten.
func UnblockOnDone(ctx context.Context, conn net.PacketConn) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
