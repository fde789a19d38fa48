package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lyc8503/holechat/sidechannel"
	"github.com/lyc8503/holechat/stun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	addr    *net.UDPAddr
	metrics *Metrics
	clock   *clock.Mock
}

func startServer(t *testing.T, cfg Config) *harness {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	h := &harness{
		addr:    conn.LocalAddr().(*net.UDPAddr),
		metrics: NewMetrics(prometheus.NewRegistry()),
		clock:   clock.NewMock(),
	}
	cfg.Metrics = h.metrics
	cfg.Clock = h.clock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(conn, cfg).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		conn.Close()
	})
	return h
}

func dial(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, c *net.UDPConn, to *net.UDPAddr, msg string) {
	t.Helper()
	_, err := c.WriteToUDP([]byte(msg), to)
	require.NoError(t, err)
}

func recv(t *testing.T, c *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 1024)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := c.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func expectSilence(t *testing.T, c *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 1024)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	n, _, err := c.ReadFromUDP(buf)
	assert.Error(t, err, "unexpected datagram %q", buf[:n])
}

// register performs the three-step handshake and waits until the server has
// processed the confirmation.
func (h *harness) register(t *testing.T, c *net.UDPConn, channel string, nat uint16) {
	t.Helper()
	before := testutil.ToFloat64(h.metrics.Registrations)
	hs := sidechannel.Handshake{Channel: channel, NATType: nat}
	send(t, c, h.addr, hs.String())
	assert.Equal(t, "ok "+channel, string(recv(t, c)))
	send(t, c, h.addr, sidechannel.Confirm)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Registrations) == before+1
	}, 2*time.Second, 5*time.Millisecond)
}

func record(t *testing.T, b []byte) sidechannel.EndpointRecord {
	t.Helper()
	var rec sidechannel.EndpointRecord
	require.NoError(t, rec.UnmarshalBinary(b))
	return rec
}

func TestPairing(t *testing.T) {
	h := startServer(t, Config{})
	a, b := dial(t), dial(t)

	h.register(t, a, "42", stun.WireFullCone)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WaitingChannels))

	h.register(t, b, "42", stun.WireRestrictedNAT)

	toB := record(t, recv(t, b))
	assert.Equal(t, a.LocalAddr().String(), toB.Addr().String())
	assert.Equal(t, stun.WireFullCone, toB.NATType)

	toA := record(t, recv(t, a))
	assert.Equal(t, b.LocalAddr().String(), toA.Addr().String())
	assert.Equal(t, stun.WireRestrictedNAT, toA.NATType)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Pairings))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.WaitingChannels))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.RelayLinks))
}

func TestThirdClientWaitsAfresh(t *testing.T) {
	h := startServer(t, Config{})
	a, b, c, d := dial(t), dial(t), dial(t), dial(t)

	h.register(t, a, "42", stun.WireFullCone)
	h.register(t, b, "42", stun.WireFullCone)
	recv(t, a)
	recv(t, b)

	h.register(t, c, "42", stun.WireFullCone)
	expectSilence(t, c)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WaitingChannels))

	h.register(t, d, "42", stun.WireRestrictedPortNAT)
	assert.Equal(t, d.LocalAddr().String(), record(t, recv(t, c)).Addr().String())
	assert.Equal(t, c.LocalAddr().String(), record(t, recv(t, d)).Addr().String())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Pairings))
}

func TestChannelsAreIndependent(t *testing.T) {
	h := startServer(t, Config{})
	a, b := dial(t), dial(t)

	h.register(t, a, "1", stun.WireFullCone)
	h.register(t, b, "2", stun.WireFullCone)
	expectSilence(t, a)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.WaitingChannels))
}

func TestReRegistrationRefreshes(t *testing.T) {
	h := startServer(t, Config{})
	a := dial(t)

	h.register(t, a, "42", stun.WireFullCone)
	h.register(t, a, "42", stun.WireRestrictedNAT)
	expectSilence(t, a)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Pairings))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WaitingChannels))
}

func TestRelayForSymmetricPair(t *testing.T) {
	h := startServer(t, Config{})
	a, b := dial(t), dial(t)

	h.register(t, a, "42", stun.WireSymmetricNAT)
	h.register(t, b, "42", stun.WireFullCone)
	recv(t, a)
	recv(t, b)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RelayLinks))

	send(t, a, h.addr, "msg hello\n")
	assert.Equal(t, "hello\n", string(recv(t, b)))

	payload := []byte("msg \x00\xffbinary")
	_, err := b.WriteToUDP(payload, h.addr)
	require.NoError(t, err)
	assert.Equal(t, payload[4:], recv(t, a))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RelayedDatagrams))
}

func TestRelayForUnknownPair(t *testing.T) {
	h := startServer(t, Config{})
	a, b := dial(t), dial(t)

	h.register(t, a, "lobby", stun.WireRestrictedNAT)
	h.register(t, b, "lobby", stun.WireUnknown)
	recv(t, a)
	recv(t, b)

	send(t, b, h.addr, "msg hi")
	assert.Equal(t, "hi", string(recv(t, a)))
}

func TestNoRelayForConePair(t *testing.T) {
	h := startServer(t, Config{})
	a, b := dial(t), dial(t)

	h.register(t, a, "42", stun.WireFullCone)
	h.register(t, b, "42", stun.WireRestrictedPortNAT)
	recv(t, a)
	recv(t, b)

	send(t, a, h.addr, "msg hello")
	expectSilence(t, b)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DroppedDatagrams.WithLabelValues(dropUnmappedRelay)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedDropped(t *testing.T) {
	h := startServer(t, Config{})
	a := dial(t)

	for _, msg := range []string{"garbage", "42 9", "a b c", "ok"} {
		send(t, a, h.addr, msg)
	}
	expectSilence(t, a)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DroppedDatagrams.WithLabelValues(dropMalformed)) == 4
	}, time.Second, 5*time.Millisecond)

	// server still serves
	h.register(t, a, "42", stun.WireFullCone)
}

func TestConfirmTimeout(t *testing.T) {
	h := startServer(t, Config{ConfirmTimeout: 5 * time.Second})
	a := dial(t)

	send(t, a, h.addr, "42 0")
	assert.Equal(t, "ok 42", string(recv(t, a)))
	h.clock.Add(6 * time.Second)
	send(t, a, h.addr, sidechannel.Confirm)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DroppedDatagrams.WithLabelValues(dropUnconfirmed)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Registrations))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.WaitingChannels))
}

func TestBadConfirmationAbortsRegistration(t *testing.T) {
	h := startServer(t, Config{})
	a := dial(t)

	send(t, a, h.addr, "42 0")
	assert.Equal(t, "ok 42", string(recv(t, a)))

	// a fresh handshake replaces the aborted one
	send(t, a, h.addr, "43 1")
	assert.Equal(t, "ok 43", string(recv(t, a)))
	send(t, a, h.addr, sidechannel.Confirm)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Registrations) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WaitingChannels))
}

func TestHandshakeRateLimit(t *testing.T) {
	h := startServer(t, Config{HandshakeRate: 0.001, HandshakeBurst: 1})
	a := dial(t)

	send(t, a, h.addr, "42 0")
	assert.Equal(t, "ok 42", string(recv(t, a)))
	send(t, a, h.addr, sidechannel.Confirm)

	send(t, a, h.addr, "43 0")
	expectSilence(t, a)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DroppedDatagrams.WithLabelValues(dropRateLimited)) == 1
	}, time.Second, 5*time.Millisecond)
}
