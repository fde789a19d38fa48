package udputil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUnblockOnDone(t *testing.T) {
	conn := loopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	stop := UnblockOnDone(ctx, conn)
	defer stop()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := conn.ReadFrom(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnblockOnDoneStopWaitsForWatcher(t *testing.T) {
	conn, sender := loopback(t), loopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	stop := UnblockOnDone(ctx, conn)
	cancel()
	stop()

	// the watcher has exited, so this deadline stays in place
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	_, err := sender.WriteTo([]byte("x"), conn.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFrom(make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSameAddr(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	assert.True(t, SameAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}, a))
	assert.False(t, SameAddr(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5001}, a))
	assert.False(t, SameAddr(nil, a))
	assert.False(t, SameAddr(a, nil))
}
