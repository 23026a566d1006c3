// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ledgercore/internal/ledgererr"
)

func TestSendAndSubscribe(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a := ids.GenerateTestNodeID()
	b := ids.GenerateTestNodeID()
	ta := NewInProcessTransport(a, net)
	tb := NewInProcessTransport(b, net)
	defer ta.Close()
	defer tb.Close()
	ta.Configure(set.Of(a, b))

	require.NoError(t, ta.Send(ctx, b, "hello"))

	select {
	case msg := <-tb.Subscribe():
		require.Equal(t, a, msg.From)
		require.Equal(t, "hello", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBroadcastSkipsSelf(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a, b, c := ids.GenerateTestNodeID(), ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	ta := NewInProcessTransport(a, net)
	tb := NewInProcessTransport(b, net)
	tc := NewInProcessTransport(c, net)
	defer ta.Close()
	defer tb.Close()
	defer tc.Close()
	ta.Configure(set.Of(a, b, c))

	require.NoError(t, ta.Broadcast(ctx, "ping"))
	for _, sub := range []*InProcessTransport{tb, tc} {
		select {
		case <-sub.Subscribe():
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestPartitionBlocksSend(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a, b := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	ta := NewInProcessTransport(a, net)
	tb := NewInProcessTransport(b, net)
	defer ta.Close()
	defer tb.Close()

	net.Partition([]ids.NodeID{a}, []ids.NodeID{b})
	err := ta.Send(ctx, b, "x")
	require.Equal(t, ledgererr.KindPeerUnreachable, ledgererr.KindOf(err))

	net.Partition(nil, nil)
	require.NoError(t, ta.Send(ctx, b, "x"))
}

func TestStreamInOrderDelivery(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a, b := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	ta := NewInProcessTransport(a, net)
	tb := NewInProcessTransport(b, net)
	defer ta.Close()
	defer tb.Close()

	stream, err := ta.OpenStream(ctx, b)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, stream.Send(ctx, i))
	}
	for i := 0; i < 5; i++ {
		v, err := stream.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestStreamAbort(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	a, b := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	ta := NewInProcessTransport(a, net)
	tb := NewInProcessTransport(b, net)
	defer ta.Close()
	defer tb.Close()

	stream, err := ta.OpenStream(ctx, b)
	require.NoError(t, err)
	stream.Abort(nil)
	_, err = stream.Recv(ctx)
	require.Equal(t, ledgererr.KindStreamAborted, ledgererr.KindOf(err))
}
