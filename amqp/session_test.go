package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
)

func TestSessionBeginEnd(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	tc := newTestConnection(t, WithMetrics(metrics))
	tc.open(t)

	var states []SessionState
	s := tc.session(t, WithIncomingWindow(64), WithOutgoingWindow(32), WithSessionStateListener(
		SessionStateListenerFunc(func(_ *Session, _, current SessionState) {
			states = append(states, current)
		})))

	begin := tc.peer.sentOf(frame.KindBegin)[0].Body.(*frame.Begin)
	assert.Nil(t, begin.RemoteChannel)
	assert.Equal(t, uint32(64), begin.IncomingWindow)
	assert.Equal(t, uint32(32), begin.OutgoingWindow)

	remote, mapped := s.RemoteChannel()
	assert.True(t, mapped)
	assert.Equal(t, uint16(101), remote)
	assert.Equal(t, uint32(100), s.RemoteIncomingWindow())

	require.NoError(t, s.End(context.Background(), nil, WaitFor(time.Second)))

	assert.True(t, s.IsEnded())
	assert.Equal(t, []SessionState{SessionBeginSent, SessionMapped, SessionEndSent, SessionUnmapped}, states)
	assert.Empty(t, tc.sessions)
	assert.Empty(t, tc.outgoing)
	assert.Empty(t, tc.incoming)
	assert.Equal(t, int64(1), metrics.GetSessionsBegun())
	assert.Equal(t, int64(1), metrics.GetSessionsEnded())

	// The channel is free again
	s2, err := tc.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(1), s2.Channel())
}

func TestSessionEndedByPeer(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.End{Error: &frame.Error{
		Condition: protocol.ErrCondResourceDeleted,
	}})
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))

	assert.True(t, s.IsEnded())
	require.NotNil(t, s.RemoteError())
	assert.Equal(t, ErrCondResourceDeleted, s.RemoteError().Condition)
	assert.Equal(t, frame.KindEnd, tc.peer.lastSent().Kind(), "end is answered")

	assert.True(t, snd.IsClosed())
	assert.Equal(t, LinkDetached, snd.GetState())
	assert.Empty(t, tc.sessions)
}

func TestSessionWaitMappedFailsWhenConnectionCloses(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	tc.peer.autoReply = false

	s, err := tc.CreateSession(context.Background())
	require.NoError(t, err)
	tc.peer.push(0, &frame.Close{})

	err = s.WaitMapped(context.Background(), WaitFor(time.Second))
	assert.ErrorIs(t, err, ErrSessionNotMapped)
	assert.True(t, s.IsEnded())
}

func TestSessionPipelinedBegin(t *testing.T) {
	tc := newTestConnection(t)
	require.NoError(t, tc.Open(context.Background(), NoWait))

	s, err := tc.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionBeginSent, s.GetState())

	require.NoError(t, s.WaitMapped(context.Background(), WaitFor(time.Second)))
	assert.Equal(t, StateOpened, tc.GetState())
	assert.Equal(t, []frame.Kind{frame.KindHeader, frame.KindOpen, frame.KindBegin}, tc.peer.sentKinds())
}

func TestSessionWindowViolation(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t, WithIncomingWindow(1))
	rcv := tc.receiver(t, s, "queue", nil)

	ch := tc.peer.peerChannel(s.Channel())
	for id := uint32(0); id < 2; id++ {
		id := id
		tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, DeliveryTag: []byte{byte(id)}, Settled: true})
	}
	require.NoError(t, tc.Listen(context.Background(), NoWait, 2))

	end := tc.peer.sentOf(frame.KindEnd)
	require.Len(t, end, 1)
	require.NotNil(t, end[0].Body.(*frame.End).Error)
	assert.Equal(t, protocol.ErrCondWindowViolation, end[0].Body.(*frame.End).Error.Condition)
	assert.Equal(t, SessionDiscarding, s.GetState())
}

func TestSessionReissuesIncomingWindow(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t, WithIncomingWindow(4))
	rcv := tc.receiver(t, s, "queue", nil)
	flowsBefore := len(tc.peer.sentOf(frame.KindFlow))

	ch := tc.peer.peerChannel(s.Channel())
	for id := uint32(0); id < 2; id++ {
		id := id
		tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, DeliveryTag: []byte{byte(id)}, Settled: true})
	}
	require.NoError(t, tc.Listen(context.Background(), NoWait, 2))

	assert.Equal(t, uint32(4), s.IncomingWindow())
	flows := tc.peer.sentOf(frame.KindFlow)
	require.Len(t, flows, flowsBefore+1)
	f := flows[len(flows)-1].Body.(*frame.Flow)
	assert.Nil(t, f.Handle, "session flow")
	require.NotNil(t, f.NextIncomingID)
	assert.Equal(t, uint32(2), *f.NextIncomingID)
	assert.Equal(t, uint32(4), f.IncomingWindow)
}

func TestSessionUnattachedHandle(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)

	id := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Transfer{Handle: 9, DeliveryID: &id})
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))

	end := tc.peer.lastSent()
	require.Equal(t, frame.KindEnd, end.Kind())
	assert.Equal(t, protocol.ErrCondUnattachedHandle, end.Body.(*frame.End).Error.Condition)
}

func TestSessionFlowEcho(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)

	next := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{NextIncomingID: &next, IncomingWindow: 7, Echo: true})
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))

	assert.Equal(t, uint32(7), s.RemoteIncomingWindow())
	reply := tc.peer.lastSent()
	require.Equal(t, frame.KindFlow, reply.Kind())
	assert.False(t, reply.Body.(*frame.Flow).Echo)
}

func TestSessionWindowQueuesTransfers(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.window = 0
	tc.open(t)
	s := tc.session(t, WithOutgoingWindow(1))
	snd := tc.sender(t, s, "queue")
	require.Equal(t, uint32(0), s.RemoteIncomingWindow())

	var reasons []SettleReason
	done := func(reason SettleReason, _ DeliveryState, _ error) {
		reasons = append(reasons, reason)
	}

	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("one")), done, 0))
	assert.Empty(t, tc.peer.sentOf(frame.KindTransfer), "queued behind the closed window")

	err := snd.Send(context.Background(), NewMessage([]byte("two")), done, 0)
	assert.ErrorIs(t, err, ErrSessionWindow)
	assert.Equal(t, uint32(9), snd.Credit(), "a refused send keeps its credit")

	next := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{NextIncomingID: &next, IncomingWindow: 10})
	tc.pump(t)

	assert.Len(t, tc.peer.sentOf(frame.KindTransfer), 1)
	assert.Equal(t, []SettleReason{DispositionReceived}, reasons)
	assert.Equal(t, uint32(9), s.RemoteIncomingWindow())
}

func TestSessionHandleMax(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t, WithHandleMax(1))

	_, err := s.CreateSenderLink(context.Background(), "a")
	require.NoError(t, err)
	_, err = s.CreateSenderLink(context.Background(), "b")
	require.NoError(t, err)
	_, err = s.CreateSenderLink(context.Background(), "c")
	assert.ErrorIs(t, err, ErrHandleMax)
}

func TestSessionDuplicateLinkName(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)

	_, err := s.CreateSenderLink(context.Background(), "a", WithLinkName("same"))
	require.NoError(t, err)
	_, err = s.CreateReceiverLink(context.Background(), "b", nil, WithLinkName("same"))
	assert.Error(t, err)
}

func TestCreateLinkOnEndedSession(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	require.NoError(t, s.End(context.Background(), nil, WaitFor(time.Second)))

	_, err := s.CreateSenderLink(context.Background(), "a")
	assert.ErrorIs(t, err, ErrSessionNotMapped)
}

func TestIDsInRange(t *testing.T) {
	table := map[uint32]*Link{1: nil, 2: nil, 5: nil, 9: nil, 4294967295: nil, 0: nil}

	tests := []struct {
		name        string
		first, last uint32
		want        []uint32
	}{
		{"single", 2, 2, []uint32{2}},
		{"span", 1, 5, []uint32{1, 2, 5}},
		{"none", 6, 8, nil},
		{"wraps", 4294967295, 1, []uint32{4294967295, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, idsInRange(table, tt.first, tt.last))
		})
	}
}

func TestSessionDropsQueuedTransfersOfDetachedLink(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.window = 0
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var reasons []SettleReason
	done := func(reason SettleReason, _ DeliveryState, _ error) {
		reasons = append(reasons, reason)
	}
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("queued")), done, 0))
	require.Len(t, s.pending, 1)

	ch := tc.peer.peerChannel(s.Channel())
	tc.peer.push(ch, &frame.Detach{Handle: snd.Handle(), Closed: true})
	tc.pump(t)

	assert.True(t, snd.IsClosed())
	assert.Equal(t, []SettleReason{NotDelivered}, reasons)
	assert.Empty(t, s.pending)

	// the freed handle goes to the next link
	other := tc.sender(t, s, "other")
	assert.Equal(t, snd.Handle(), other.Handle())

	next := uint32(0)
	tc.peer.push(ch, &frame.Flow{NextIncomingID: &next, IncomingWindow: 10})
	tc.pump(t)

	assert.Empty(t, tc.peer.sentOf(frame.KindTransfer))
	assert.Equal(t, uint32(10), s.RemoteIncomingWindow())
}

func TestSessionRefusesFramesAfterEnd(t *testing.T) {
	ctx := context.Background()
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")
	rcv := tc.receiver(t, s, "source", nil)

	require.NoError(t, s.End(ctx, nil, NoWait))
	require.Equal(t, SessionEndSent, s.GetState())
	sent := len(tc.peer.sent)

	err := snd.Send(ctx, NewMessage([]byte("late")), nil, 0)
	assert.ErrorIs(t, err, ErrSessionNotMapped)
	assert.Equal(t, uint32(10), snd.Credit(), "a refused send keeps its credit")
	assert.ErrorIs(t, rcv.SetCredit(ctx, 5), ErrSessionNotMapped)
	assert.ErrorIs(t, rcv.Drain(ctx), ErrSessionNotMapped)
	assert.ErrorIs(t, snd.Detach(ctx, nil, NoWait), ErrSessionNotMapped)
	assert.Equal(t, LinkAttached, snd.GetState())

	// a flow arriving before the peer's End is applied but not echoed
	next := uint32(0)
	echo := frame.NewFrame(tc.peer.peerChannel(s.Channel()), &frame.Flow{NextIncomingID: &next, IncomingWindow: 5, Echo: true})
	tc.peer.inbox = append([]*frame.Frame{echo}, tc.peer.inbox...)
	require.NoError(t, tc.Listen(ctx, NoWait, 0))
	assert.Equal(t, uint32(5), s.RemoteIncomingWindow())

	assert.Len(t, tc.peer.sent, sent, "nothing follows End")

	tc.pump(t)
	assert.True(t, s.IsEnded())
	assert.True(t, snd.IsClosed())
}
