// Package traversal runs a chat session with a paired peer, either directly,
// after UDP hole punching, or through the rendezvous server's relay.
package traversal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/lyc8503/holechat/internal/udputil"
	"github.com/lyc8503/holechat/sidechannel"
	"github.com/lyc8503/holechat/stun"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPunchInterval = 500 * time.Millisecond

	probePrefix = "punching"
	legacyProbe = "punching...\n"
	punchAck    = "end punching\n"
	maxDatagram = 1024
)

var ErrRejected = errors.New("no traversal strategy for this NAT combination")

type Config struct {
	// Conn is the socket registered with the rendezvous server; the peer and
	// the relay know this side by its mapping.
	Conn   net.PacketConn
	Server *net.UDPAddr
	Peer   *net.UDPAddr

	Own      stun.NATType
	PeerType stun.NATType

	Dialect       Dialect
	PunchInterval time.Duration
	Clock         clock.Clock
}

type Session struct {
	cfg  Config
	mode Mode

	punched     chan struct{}
	punchedOnce sync.Once
}

func NewSession(cfg Config) (*Session, error) {
	mode := SelectMode(cfg.Own, cfg.PeerType)
	if mode == ModeRejected {
		return nil, fmt.Errorf("%w: own %s, peer %s", ErrRejected, cfg.Own, cfg.PeerType)
	}
	if cfg.Conn == nil || cfg.Server == nil || cfg.Peer == nil {
		return nil, errors.New("session needs a socket, a server and a peer address")
	}
	if cfg.Dialect == nil {
		cfg.Dialect = LineDialect{}
	}
	if cfg.PunchInterval <= 0 {
		cfg.PunchInterval = DefaultPunchInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Session{
		cfg:     cfg,
		mode:    mode,
		punched: make(chan struct{}),
	}, nil
}

// Mode reports the strategy in effect. A punching session reports ModeDirect
// once the peer has been heard from.
func (s *Session) Mode() Mode {
	if s.mode == ModePunching && s.isPunched() {
		return ModeDirect
	}
	return s.mode
}

// Punched is closed on the first datagram from the peer.
func (s *Session) Punched() <-chan struct{} {
	return s.punched
}

func (s *Session) isPunched() bool {
	select {
	case <-s.punched:
		return true
	default:
		return false
	}
}

func (s *Session) markPunched() {
	s.punchedOnce.Do(func() {
		close(s.punched)
		if s.mode == ModePunching {
			log.Info("periodic send cancelled, chat start.")
		}
	})
}

// Run sends every payload read from outbound and delivers the peer's chat
// payloads on inbound until ctx is done. It returns ctx.Err() on
// cancellation. Closing outbound stops sending only.
func (s *Session) Run(ctx context.Context, outbound <-chan []byte, inbound chan<- []byte) error {
	g, ctx := errgroup.WithContext(ctx)

	stop := udputil.UnblockOnDone(ctx, s.cfg.Conn)
	defer stop()

	log.Infof("%s chat mode with %v", s.mode, s.cfg.Peer)

	g.Go(func() error { return s.receiveLoop(ctx, inbound) })
	g.Go(func() error { return s.sendLoop(ctx, outbound) })
	if s.mode == ModePunching {
		g.Go(func() error { return s.punchLoop(ctx) })
	}
	return g.Wait()
}

func (s *Session) sendLoop(ctx context.Context, outbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-outbound:
			if !ok {
				log.Debug("outbound closed, send loop done")
				return nil
			}
			if err := s.send(payload); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				log.WithError(err).Warn("send failed")
			}
		}
	}
}

// send writes a chat payload along the session's path.
func (s *Session) send(payload []byte) error {
	if s.mode == ModeRelay {
		_, err := s.cfg.Conn.WriteTo(sidechannel.Tag(payload), s.cfg.Server)
		return err
	}
	_, err := s.cfg.Conn.WriteTo(payload, s.cfg.Peer)
	return err
}

func (s *Session) punchLoop(ctx context.Context) error {
	ticker := s.cfg.Clock.Ticker(s.cfg.PunchInterval)
	defer ticker.Stop()

	for seq := uint64(0); ; seq++ {
		if s.isPunched() {
			return nil
		}
		probe := fmt.Sprintf("%s %d\n", probePrefix, seq)
		if _, err := s.cfg.Conn.WriteTo([]byte(probe), s.cfg.Peer); err != nil {
			log.WithError(err).Warnf("UDP punching package %d failed", seq)
		} else {
			log.Debugf("UDP punching package %d sent", seq)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.punched:
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context, inbound chan<- []byte) error {
	var catcher tec.TempErrCatcher
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.cfg.Conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if catcher.IsTemporary(err) {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		payload, ok := s.accept(buf[:n], from)
		if !ok {
			continue
		}
		deliver, reply := s.cfg.Dialect.Handle(payload)
		if reply != nil {
			if err := s.send(reply); err != nil {
				log.WithError(err).Warn("send reply failed")
			}
		}
		if deliver == nil {
			continue
		}
		select {
		case inbound <- deliver:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// accept filters one datagram and returns a copy of the chat payload it
// carries, if any. Punch probes are acknowledged here.
func (s *Session) accept(data []byte, from net.Addr) ([]byte, bool) {
	fromServer := udputil.SameAddr(from, s.cfg.Server)

	if s.mode == ModeRelay {
		if !fromServer {
			log.Debugf("Ignoring %d bytes from %v, relay accepts only the server", len(data), from)
			return nil, false
		}
		// The server strips the relay tag when forwarding.
		return bytes.Clone(data), true
	}

	fromPeer := udputil.SameAddr(from, s.cfg.Peer)
	if !fromPeer && !fromServer {
		log.Debugf("Ignoring %d bytes from stranger %v", len(data), from)
		return nil, false
	}
	if fromPeer {
		s.markPunched()
	}

	switch {
	case isAck(data):
		return nil, false
	case isProbe(data):
		if fromPeer {
			if _, err := s.cfg.Conn.WriteTo([]byte(punchAck), from); err != nil {
				log.WithError(err).Warn("punch ack failed")
			}
		}
		return nil, false
	}
	return bytes.Clone(data), true
}

// isProbe matches exactly "punching <seq>\n" or the older "punching...\n".
// Chat text that merely starts with the word is not a probe.
func isProbe(data []byte) bool {
	if string(data) == legacyProbe {
		return true
	}
	rest, ok := bytes.CutPrefix(data, []byte(probePrefix+" "))
	if !ok {
		return false
	}
	digits, ok := bytes.CutSuffix(rest, []byte("\n"))
	if !ok {
		return false
	}
	_, err := strconv.ParseUint(string(digits), 10, 64)
	return err == nil
}

func isAck(data []byte) bool {
	return string(data) == punchAck
}
