// Package rendezvous pairs clients that present the same channel id and
// relays traffic for pairs that cannot reach each other directly.
package rendezvous

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/lyc8503/holechat/internal/udputil"
	"github.com/lyc8503/holechat/sidechannel"
	"github.com/lyc8503/holechat/stun"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultConfirmTimeout = 5 * time.Second

	maxDatagram = 1024
)

type Config struct {
	// ConfirmTimeout bounds how long a handshake waits for the client's "ok".
	ConfirmTimeout time.Duration

	// HandshakeRate limits new handshakes per second across all clients.
	// Zero means unlimited.
	HandshakeRate  float64
	HandshakeBurst int

	Metrics *Metrics
	Clock   clock.Clock
}

type client struct {
	addr   *net.UDPAddr
	record sidechannel.EndpointRecord
}

type registration struct {
	client
	channel string
	expires time.Time
}

// Server owns its tables from the Serve goroutine only; nothing here is
// safe to touch concurrently.
type Server struct {
	conn    net.PacketConn
	cfg     Config
	metrics *Metrics
	clock   clock.Clock
	limiter *rate.Limiter

	channels map[string]client       // channel -> waiting client
	relays   map[string]*net.UDPAddr // client addr -> relay partner
	pending  map[string]registration // client addr -> unconfirmed handshake
}

func NewServer(conn net.PacketConn, cfg Config) *Server {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	s := &Server{
		conn:     conn,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		channels: make(map[string]client),
		relays:   make(map[string]*net.UDPAddr),
		pending:  make(map[string]registration),
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if cfg.HandshakeRate > 0 {
		burst := cfg.HandshakeBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.HandshakeRate), burst)
	}
	return s
}

// Serve runs the event loop until ctx is done or the socket fails.
func (s *Server) Serve(ctx context.Context) error {
	stop := udputil.UnblockOnDone(ctx, s.conn)
	defer stop()

	log.Infof("listening on %v (udp)", s.conn.LocalAddr())

	var catcher tec.TempErrCatcher
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if catcher.IsTemporary(err) {
				log.WithError(err).Warn("temporary read error")
				continue
			}
			return err
		}

		addr, ok := from.(*net.UDPAddr)
		if !ok {
			log.Warnf("ignoring datagram from non-UDP address %v", from)
			continue
		}
		s.handle(buf[:n], addr)
	}
}

func (s *Server) handle(data []byte, from *net.UDPAddr) {
	s.expirePending()

	key := from.String()
	if reg, ok := s.pending[key]; ok {
		delete(s.pending, key)
		if string(data) == sidechannel.Confirm {
			s.confirm(reg)
			return
		}
		log.WithFields(log.Fields{
			"client":  key,
			"channel": reg.channel,
		}).Debug("registration aborted, unexpected confirmation")
	}

	if payload, ok := sidechannel.Untag(data); ok {
		s.relay(payload, from)
		return
	}
	s.handshake(data, from)
}

func (s *Server) handshake(data []byte, from *net.UDPAddr) {
	fields := log.Fields{"client": from.String()}

	if !s.limiter.Allow() {
		log.WithFields(fields).Warn("handshake rate exceeded, dropped")
		s.metrics.dropped(dropRateLimited)
		return
	}

	hs, err := sidechannel.ParseHandshake(data)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("invalid handshake, dropped")
		s.metrics.dropped(dropMalformed)
		return
	}
	fields["channel"] = hs.Channel

	host, port, err := net.SplitHostPort(from.String())
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("invalid client address, dropped")
		s.metrics.dropped(dropBadEndpoint)
		return
	}
	record, err := sidechannel.NewEndpointRecord(host, port, hs.NATType)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("cannot build endpoint record, dropped")
		s.metrics.dropped(dropBadEndpoint)
		return
	}

	if _, err := s.conn.WriteTo(sidechannel.OKReply(hs.Channel), from); err != nil {
		log.WithFields(fields).WithError(err).Warn("send ok failed")
		return
	}
	natType, _ := stun.NATTypeFromWireID(hs.NATType)
	fields["nat_type"] = natType.String()
	log.WithFields(fields).Info("ok sent to client")

	s.pending[from.String()] = registration{
		client:  client{addr: from, record: record},
		channel: hs.Channel,
		expires: s.clock.Now().Add(s.cfg.ConfirmTimeout),
	}
}

func (s *Server) confirm(reg registration) {
	fields := log.Fields{"client": reg.addr.String(), "channel": reg.channel}
	log.WithFields(fields).Info("request received for channel")
	defer s.metrics.Registrations.Inc()

	waiting, ok := s.channels[reg.channel]
	if !ok || udputil.SameAddr(waiting.addr, reg.addr) {
		s.channels[reg.channel] = reg.client
		s.metrics.WaitingChannels.Set(float64(len(s.channels)))
		return
	}

	delete(s.channels, reg.channel)
	s.metrics.WaitingChannels.Set(float64(len(s.channels)))

	s.sendRecord(waiting.record, reg.addr)
	s.sendRecord(reg.record, waiting.addr)
	s.metrics.Pairings.Inc()
	fields["partner"] = waiting.addr.String()
	log.WithFields(fields).Info("linked")

	if natNeedsRelay(waiting.record) || natNeedsRelay(reg.record) {
		s.relays[reg.addr.String()] = waiting.addr
		s.relays[waiting.addr.String()] = reg.addr
		s.metrics.RelayLinks.Inc()
		log.WithFields(fields).Info("symmetric chat link established")
	}
}

func (s *Server) sendRecord(rec sidechannel.EndpointRecord, to *net.UDPAddr) {
	b, _ := rec.MarshalBinary()
	if _, err := s.conn.WriteTo(b, to); err != nil {
		log.WithFields(log.Fields{"client": to.String(), "error": err}).Warn("send endpoint record failed")
	}
}

func (s *Server) relay(payload []byte, from *net.UDPAddr) {
	to, ok := s.relays[from.String()]
	if !ok {
		log.WithField("client", from.String()).Warn("relay message from unpaired client, dropped")
		s.metrics.dropped(dropUnmappedRelay)
		return
	}
	if _, err := s.conn.WriteTo(payload, to); err != nil {
		log.WithFields(log.Fields{"client": to.String(), "error": err}).Warn("relay forward failed")
		return
	}
	s.metrics.RelayedDatagrams.Inc()
	log.Debugf("msg successfully forwarded to %v (%d bytes)", to, len(payload))
}

func (s *Server) expirePending() {
	if len(s.pending) == 0 {
		return
	}
	now := s.clock.Now()
	for key, reg := range s.pending {
		if now.After(reg.expires) {
			delete(s.pending, key)
			s.metrics.dropped(dropUnconfirmed)
			log.WithFields(log.Fields{"client": key, "channel": reg.channel}).Debug("registration expired")
		}
	}
}

func natNeedsRelay(rec sidechannel.EndpointRecord) bool {
	t, err := rec.Type()
	return err != nil || t.NeedsRelay()
}
