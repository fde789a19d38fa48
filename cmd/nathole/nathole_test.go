package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lyc8503/holechat/sidechannel"
	"github.com/lyc8503/holechat/stun"
	"github.com/lyc8503/holechat/traversal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"127.0.0.1", "8000", " 100 "})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8000", opts.server.String())
	assert.Equal(t, "100", opts.channel)
	assert.Nil(t, opts.override)
	assert.Equal(t, "0.0.0.0:54320", opts.cfg.Client.Source)

	opts, err = parseArgs([]string{"127.0.0.1", "8000", "100", "3"})
	require.NoError(t, err)
	require.NotNil(t, opts.override)
	assert.Equal(t, stun.SymmetricNAT, *opts.override)

	for _, args := range [][]string{
		{"127.0.0.1", "8000"},
		{"127.0.0.1", "port", "100"},
		{"127.0.0.1", "8000", "100", "7"},
		{"127.0.0.1", "8000", "100", "x"},
		{"127.0.0.1", "8000", "100", "0", "extra"},
	} {
		_, err := parseArgs(args)
		assert.Error(t, err, strings.Join(args, " "))
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestChat(t *testing.T) {
	listen := func() *net.UDPConn {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}
	conn, peerConn, server := listen(), listen(), listen()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	session, err := traversal.NewSession(traversal.Config{
		Conn:     conn,
		Server:   server.LocalAddr().(*net.UDPAddr),
		Peer:     peerAddr,
		Own:      stun.FullCone,
		PeerType: stun.FullCone,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- chat(ctx, session, &sidechannel.Peer{Addr: peerAddr}, strings.NewReader("hello\n"), out)
	}()

	buf := make([]byte, 64)
	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))

	_, err = peerConn.WriteToUDP([]byte("hi"), conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return out.String() == peerAddr.String()+"> hi\n"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
