package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
)

func listen(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	return ln, accepted
}

func TestRoundTrip(t *testing.T) {
	ln, accepted := listen(t)
	l := New(Config{Address: ln.Addr().String()}, link.Options{Name: "INST_INT"}, nil)

	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))
	assert.True(t, l.Connected())
	server := <-accepted
	defer server.Close()

	// Server to client
	require.NoError(t, link.WriteFrame(server, []byte{1, 2, 3}))
	pkt, err := l.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, []byte{1, 2, 3}, pkt.Buffer)
	assert.False(t, pkt.Identified())

	// Client to server
	require.NoError(t, l.Write(ctx, []byte{9, 8}))
	data, err := link.ReadFrame(server, link.DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8}, data)

	require.NoError(t, l.Disconnect())
	assert.False(t, l.Connected())
}

func TestCleanCloseReadsAsNil(t *testing.T) {
	ln, accepted := listen(t)
	l := New(Config{Address: ln.Addr().String()}, link.Options{Name: "INST_INT"}, nil)

	require.NoError(t, l.Connect(context.Background()))
	server := <-accepted
	require.NoError(t, server.Close())

	pkt, err := l.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestDisconnectUnblocksRead(t *testing.T) {
	ln, accepted := listen(t)
	l := New(Config{Address: ln.Addr().String()}, link.Options{Name: "INST_INT"}, nil)

	require.NoError(t, l.Connect(context.Background()))
	server := <-accepted
	defer server.Close()

	type readOut struct {
		pkt *packet.Packet
		err error
	}
	out := make(chan readOut, 1)
	go func() {
		pkt, err := l.Read(context.Background())
		out <- readOut{pkt, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Disconnect())

	select {
	case res := <-out:
		assert.NoError(t, res.err)
		assert.Nil(t, res.pkt)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after disconnect")
	}
}

func TestConnectRefusedIsTransient(t *testing.T) {
	l := New(Config{Address: "127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond},
		link.Options{Name: "INST_INT"}, nil)

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, l.Connected())
}

func TestReadWhileDisconnected(t *testing.T) {
	l := New(Config{Address: "127.0.0.1:1"}, link.Options{Name: "INST_INT"}, nil)

	_, err := l.Read(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.ErrorIs(t, l.Write(context.Background(), []byte{1}), errors.ErrNotConnected)
}
