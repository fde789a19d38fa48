// This file implements the classic RFC 3489 NAT type discovery:
// - 10.1  Discovery Process (Test I, Test II, Test III)
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lyc8503/holechat/internal/udputil"
	"github.com/pion/stun"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPort     = 3478
	DefaultTimeout  = 2 * time.Second
	DefaultAttempts = 3

	maxDatagram = 2048
)

// DefaultServers are tried in order when no STUN host is configured.
var DefaultServers = []string{
	"stun.ekiga.net",
	"stunserver.org",
	"stun.ideasip.com",
	"stun.softjoys.com",
	"stun.voipbuster.com",
}

var (
	// ErrChangedAddressUnreachable means the server's advertised alternate
	// address never answered. It is not the same as Blocked.
	ErrChangedAddressUnreachable = errors.New("meet an error, when do Test I on changed IP and port")
	ErrNoServer                  = errors.New("no STUN server configured")
)

// Classifier drives the test battery over Conn. Conn is only borrowed: its
// read deadline is cleared on return and it is never closed.
type Classifier struct {
	Conn net.PacketConn

	// LocalIP is the bind address compared against the mapped address. When
	// nil or unspecified the outbound IP towards the server is used.
	LocalIP net.IP

	Server  string   // STUN host; empty means try Servers in order
	Port    int      // defaults to 3478
	Servers []string // defaults to DefaultServers

	Timeout  time.Duration // per attempt
	Attempts int           // per probe
}

type Result struct {
	NATType      NATType
	ExternalIP   net.IP
	ExternalPort int
	Server       *net.UDPAddr
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (external %s)", r.NATType, net.JoinHostPort(r.ExternalIP.String(), strconv.Itoa(r.ExternalPort)))
}

// Classify runs the decision tree. A Blocked host is a classification, not an
// error. ErrChangedAddressUnreachable comes with a Result of type Unknown that
// still carries the Test I mapping.
func (c *Classifier) Classify(ctx context.Context) (*Result, error) {
	if c.Conn == nil {
		return nil, errors.New("classifier has no connection")
	}
	defer c.Conn.SetReadDeadline(time.Time{})
	stop := udputil.UnblockOnDone(ctx, c.Conn)
	defer stop()

	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	// Test I: Regular binding request
	log.Debug("Do Test I")
	server, first, err := c.selectServer(ctx, port)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return &Result{NATType: Blocked}, nil
	}
	log.Debugf("Result: %+v", first)

	result := &Result{
		NATType:      Unknown,
		ExternalIP:   first.ExternalIP,
		ExternalPort: first.ExternalPort,
		Server:       server,
	}

	if first.ExternalIP.Equal(c.localIP(server)) {
		log.Debug("Do Test I with change request, host is not NATed")
		resp, err := c.roundTrip(ctx, ChangeIPAndPort, server)
		if err != nil {
			return nil, err
		}
		if resp.Responded {
			result.NATType = OpenInternet
		} else {
			result.NATType = SymmetricFirewall
		}
		return result, nil
	}

	// Test II: Request to change both IP and port
	log.Debug("Do Test II")
	resp, err := c.roundTrip(ctx, ChangeIPAndPort, server)
	if err != nil {
		return nil, err
	}
	log.Debugf("Result: %+v", resp)
	if resp.Responded {
		result.NATType = FullCone
		return result, nil
	}

	// Test I again, this time to the server's alternate address
	log.Debug("Do Test I on changed address")
	if first.ChangedIP == nil {
		return result, fmt.Errorf("%w: server %v sent no CHANGED-ADDRESS", ErrChangedAddressUnreachable, server)
	}
	changed := first.ChangedAddr()
	resp, err = c.roundTrip(ctx, 0, changed)
	if err != nil {
		return nil, err
	}
	log.Debugf("Result: %+v", resp)
	if !resp.Responded {
		return result, fmt.Errorf("%w: %v", ErrChangedAddressUnreachable, changed)
	}
	if !resp.SameMapping(first) {
		result.NATType = SymmetricNAT
		return result, nil
	}

	// Test III: Request to change port only, sent to the alternate IP at the
	// original port
	log.Debug("Do Test III")
	resp, err = c.roundTrip(ctx, ChangePort, &net.UDPAddr{IP: first.ChangedIP, Port: port})
	if err != nil {
		return nil, err
	}
	log.Debugf("Result: %+v", resp)
	if resp.Responded {
		result.NATType = RestrictedNAT
	} else {
		result.NATType = RestrictedPortNAT
	}
	return result, nil
}

func (c *Classifier) selectServer(ctx context.Context, port int) (*net.UDPAddr, Response, error) {
	hosts := c.Servers
	if c.Server != "" {
		hosts = []string{c.Server}
	} else if len(hosts) == 0 {
		hosts = DefaultServers
	}
	if len(hosts) == 0 {
		return nil, Response{}, ErrNoServer
	}

	for _, host := range hosts {
		log.Debugf("Trying STUN host: %s", host)
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			log.Warnf("Error resolving address: %s", err)
			continue
		}
		resp, err := c.roundTrip(ctx, 0, addr)
		if err != nil {
			return nil, Response{}, err
		}
		if resp.Responded {
			return addr, resp, nil
		}
	}
	return nil, Response{}, nil
}

func (c *Classifier) localIP(server *net.UDPAddr) net.IP {
	if c.LocalIP != nil && !c.LocalIP.IsUnspecified() {
		return c.LocalIP
	}
	ip, err := udputil.OutboundIP(server)
	if err != nil {
		log.Warnf("Cannot determine local address towards %v: %v", server, err)
		return c.LocalIP
	}
	log.Debugf("Local address: %s", ip)
	return ip
}

// roundTrip sends one request up to Attempts times and waits for the matching
// response. A probe that never gets one returns a Response with Responded
// false and a nil error; errors are reserved for a cancelled ctx or a broken
// socket.
func (c *Classifier) roundTrip(ctx context.Context, changeFlags uint32, addr *net.UDPAddr) (Response, error) {
	req, err := NewBindingRequest(changeFlags)
	if err != nil {
		return Response{}, err
	}
	raw := req.Encode()
	buf := make([]byte, maxDatagram)

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		log.Debugf("Sending to %v: (%v bytes), attempt %d/%d", addr, len(raw), i, attempts)
		log.Tracef("%v", req)
		for _, attr := range req.Attributes {
			log.Tracef("\t%v (l=%v)", attr.Type, attr.Length)
		}

		if _, err := c.Conn.WriteTo(raw, addr); err != nil {
			log.Warnf("Error sending request to %v: %s", addr, err.Error())
			return Response{}, nil
		}

		resp, err := c.await(ctx, req.TransactionID, buf)
		if err != nil {
			return Response{}, err
		}
		if resp.Responded {
			return resp, nil
		}
		log.Debugf("Timed out waiting for response from server %v", addr)
	}
	return Response{}, nil
}

// await reads until a matching response arrives, the attempt times out or
// ctx is done.
func (c *Classifier) await(ctx context.Context, id TransactionID, buf []byte) (Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Response{}, err
	}
	// A cancellation that landed before the deadline above was overwritten.
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	for {
		n, from, err := c.Conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, ctxErr
			}
			if udputil.IsTimeout(err) {
				return Response{}, nil
			}
			return Response{}, fmt.Errorf("read STUN response: %w", err)
		}
		log.Debugf("Response from %v: (%v bytes)", from, n)

		resp, err := ParseResponse(buf[:n], id)
		if err != nil {
			log.Debugf("Discarding datagram from %v: %v", from, err)
			continue
		}
		logResponse(resp)
		return resp, nil
	}
}

func logResponse(r Response) {
	log.Tracef("\t%v:   %v", stun.AttrMappedAddress, r.ExternalAddr())
	log.Tracef("\t%v:   %v", stun.AttrSourceAddress, &net.UDPAddr{IP: r.SourceIP, Port: r.SourcePort})
	log.Tracef("\t%v:  %v", stun.AttrChangedAddress, r.ChangedAddr())
}
