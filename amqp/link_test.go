package amqp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
)

type sendResult struct {
	reason SettleReason
	state  DeliveryState
	err    error
}

func collect(results *[]sendResult) SendCompleteFunc {
	return func(reason SettleReason, state DeliveryState, err error) {
		*results = append(*results, sendResult{reason, state, err})
	}
}

func TestEndToEndSendAndClose(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	tc := newTestConnection(t, WithMetrics(metrics))
	tc.open(t)
	s := tc.session(t)

	var linkStates []LinkState
	snd := tc.sender(t, s, "amqps://host/eh/Partitions/0", WithLinkStateListener(
		LinkStateListenerFunc(func(_ *Link, _, current LinkState) {
			linkStates = append(linkStates, current)
		})))
	require.Equal(t, LinkAttached, snd.GetState())
	assert.Equal(t, "amqps://host/eh/Partitions/0", snd.Target().Address)

	var results []sendResult
	for _, body := range []string{"first", "second"} {
		require.NoError(t, snd.Send(context.Background(), NewMessage([]byte(body)), collect(&results), 10*time.Second))
	}
	tc.pump(t)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, DispositionReceived, r.reason)
		assert.IsType(t, &Accepted{}, r.state)
		assert.NoError(t, r.err)
	}
	assert.Equal(t, 0, snd.Unsettled())
	assert.Empty(t, s.outgoingUnsettled)

	require.NoError(t, snd.Detach(context.Background(), nil, WaitFor(time.Second)))
	assert.Equal(t, LinkDetached, snd.GetState())
	require.NoError(t, s.End(context.Background(), nil, WaitFor(time.Second)))
	assert.True(t, s.IsEnded())
	require.NoError(t, tc.Close(context.Background(), nil, WaitFor(time.Second)))
	assert.Equal(t, StateEnd, tc.GetState())

	assert.Equal(t, []LinkState{LinkAttachSent, LinkAttached, LinkDetachSent, LinkDetached}, linkStates)
	assert.Empty(t, s.links)
	assert.Empty(t, s.outputHandles)
	assert.Empty(t, s.inputHandles)
	assert.Empty(t, tc.sessions)
	assert.Empty(t, tc.outgoing)
	assert.Empty(t, tc.incoming)

	assert.Equal(t, int64(2), metrics.GetTransfersSent())
	assert.Equal(t, int64(2), metrics.GetDeliveriesSettled(DispositionReceived))
	assert.Equal(t, int64(1), metrics.GetLinksAttached())
	assert.Equal(t, int64(1), metrics.GetLinksDetached())
}

func TestSenderAttachFrame(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue", WithLinkName("orders"), WithSenderSettleMode(SenderSettleModeMixed),
		WithLinkProperties(Fields{"owner": "test"}))

	attach := tc.peer.sentOf(frame.KindAttach)[0].Body.(*frame.Attach)
	assert.Equal(t, "orders", attach.Name)
	assert.Equal(t, RoleSender, attach.Role)
	assert.Equal(t, SenderSettleModeMixed, attach.SenderSettleMode)
	require.NotNil(t, attach.InitialDeliveryCount)
	assert.Equal(t, uint32(0), *attach.InitialDeliveryCount)
	assert.Equal(t, "queue", attach.Target.Address)
	assert.Equal(t, "test", attach.Properties["owner"])

	assert.Equal(t, "orders", snd.Name())
	assert.Equal(t, uint32(10), snd.Credit())
	require.NotNil(t, snd.RemoteTarget())
	assert.Equal(t, "queue", snd.RemoteTarget().Address)
}

func TestSendWithoutCredit(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.credit = 0
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	err := snd.Send(context.Background(), NewMessage([]byte("x")), nil, 0)
	require.ErrorIs(t, err, ErrNoCredit)
	assert.Empty(t, tc.peer.sentOf(frame.KindTransfer))

	h, dc, credit := snd.Handle(), uint32(0), uint32(1)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{
		IncomingWindow: 100,
		Handle:         &h,
		DeliveryCount:  &dc,
		LinkCredit:     &credit,
	})
	tc.pump(t)

	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), nil, 0))
	assert.Len(t, tc.peer.sentOf(frame.KindTransfer), 1)
	assert.Equal(t, uint32(0), snd.Credit())
	assert.Equal(t, uint32(1), snd.DeliveryCount())

	assert.ErrorIs(t, snd.Send(context.Background(), NewMessage([]byte("y")), nil, 0), ErrNoCredit)
}

func TestSendBeforeAttached(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)

	snd, err := s.CreateSenderLink(context.Background(), "queue")
	require.NoError(t, err)
	err = snd.Send(context.Background(), NewMessage(nil), nil, 0)
	assert.ErrorIs(t, err, ErrLinkNotAttached)
}

func TestSendFragmentsLargeMessages(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.open.MaxFrameSize = 512
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	payload := bytes.Repeat([]byte("abcdefgh"), 250)
	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), &Message{Payload: payload}, collect(&results), 0))

	transfers := tc.peer.sentOf(frame.KindTransfer)
	require.Greater(t, len(transfers), 1)

	var joined []byte
	for i, f := range transfers {
		b, err := frame.Marshal(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b), 512, "frame %d", i)

		tr := f.Body.(*frame.Transfer)
		last := i == len(transfers)-1
		assert.Equal(t, !last, tr.More, "frame %d", i)
		if i == 0 {
			require.NotNil(t, tr.DeliveryID)
			assert.NotEmpty(t, tr.DeliveryTag)
		} else {
			assert.Nil(t, tr.DeliveryID)
		}
		joined = append(joined, tr.Payload...)
	}
	assert.Equal(t, payload, joined)

	tc.pump(t)
	require.Len(t, results, 1)
	assert.Equal(t, DispositionReceived, results[0].reason)
	assert.Equal(t, uint32(9), snd.Credit(), "one delivery uses one credit")
}

func TestSendPresettled(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	tc := newTestConnection(t, WithMetrics(metrics))
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue", WithSenderSettleMode(SenderSettleModeSettled))

	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 0))

	require.Len(t, results, 1)
	assert.Equal(t, Settled, results[0].reason)
	assert.True(t, tc.peer.sentOf(frame.KindTransfer)[0].Body.(*frame.Transfer).Settled)
	assert.Empty(t, s.outgoingUnsettled)
	assert.Equal(t, int64(1), metrics.GetDeliveriesSettled(Settled))
}

func TestSendMixedMode(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue", WithSenderSettleMode(SenderSettleModeMixed))

	var results []sendResult
	msg := NewMessage([]byte("fire and forget"))
	msg.Settled = true
	require.NoError(t, snd.Send(context.Background(), msg, collect(&results), 0))
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("tracked")), collect(&results), 0))
	tc.pump(t)

	require.Len(t, results, 2)
	assert.Equal(t, Settled, results[0].reason)
	assert.Equal(t, DispositionReceived, results[1].reason)
}

func TestSendUsesDeliveryTag(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	msg := NewMessage([]byte("x"))
	msg.DeliveryTag = []byte("tag-1")
	msg.Format = 7
	require.NoError(t, snd.Send(context.Background(), msg, nil, 0))

	tr := tc.peer.sentOf(frame.KindTransfer)[0].Body.(*frame.Transfer)
	assert.Equal(t, []byte("tag-1"), tr.DeliveryTag)
	require.NotNil(t, tr.MessageFormat)
	assert.Equal(t, uint32(7), *tr.MessageFormat)
}

func TestSendReceiverSettlesSecond(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.settle = peerSettleSecond
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue", WithReceiverSettleMode(ReceiverSettleModeSecond))

	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 0))
	tc.pump(t)

	require.Len(t, results, 1)
	assert.Equal(t, DispositionReceived, results[0].reason)

	disp := tc.peer.lastSent()
	require.Equal(t, frame.KindDisposition, disp.Kind())
	d := disp.Body.(*frame.Disposition)
	assert.Equal(t, RoleSender, d.Role)
	assert.True(t, d.Settled)
	assert.IsType(t, &Accepted{}, d.State)
}

func TestSendRejectedOutcome(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 0))

	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Disposition{
		Role:    RoleReceiver,
		First:   0,
		Settled: true,
		State:   &Rejected{Error: &frame.Error{Condition: protocol.ErrCondDecodeError}},
	})
	tc.pump(t)

	require.Len(t, results, 1)
	assert.Equal(t, DispositionReceived, results[0].reason)
	rejected, ok := results[0].state.(*Rejected)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCondDecodeError, rejected.Error.Condition)
	assert.NoError(t, results[0].err, "a rejection is an outcome, not a failure")
	assert.Equal(t, LinkAttached, snd.GetState())
}

func TestDispositionRangeSettlesSeveral(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var results []sendResult
	for i := 0; i < 3; i++ {
		require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 0))
	}
	last := uint32(1)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Disposition{
		Role: RoleReceiver, First: 0, Last: &last, Settled: true, State: &Released{},
	})
	tc.pump(t)

	assert.Len(t, results, 2)
	assert.Equal(t, 1, snd.Unsettled())
}

func TestSendTimeout(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	tc := newTestConnection(t, WithMetrics(metrics))
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 2*time.Second))

	tc.clock.Add(1999 * time.Millisecond)
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))
	assert.Empty(t, results)

	tc.clock.Add(time.Millisecond)
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))
	require.Len(t, results, 1)
	assert.Equal(t, Timeout, results[0].reason)
	assert.ErrorIs(t, results[0].err, ErrDeliveryTimeout)
	assert.Equal(t, 0, snd.Unsettled())
	assert.Equal(t, int64(1), metrics.GetDeliveriesSettled(Timeout))

	// A late outcome is ignored
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Disposition{
		Role: RoleReceiver, First: 0, Settled: true, State: &Accepted{},
	})
	tc.pump(t)
	assert.Len(t, results, 1)
	assert.Equal(t, LinkAttached, snd.GetState(), "timeouts do not tear down the link")
}

func TestConnectionCloseFailsPendingDeliveries(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 0))

	tc.peer.push(0, &frame.Close{Error: &frame.Error{Condition: protocol.ErrCondConnectionForced}})
	err := tc.Listen(context.Background(), NoWait, 0)
	require.ErrorIs(t, err, ErrConnectionClosed)

	require.Len(t, results, 1)
	assert.Equal(t, NotDelivered, results[0].reason)
	assert.ErrorIs(t, results[0].err, ErrConnectionClosed)
	var amqpErr *Error
	assert.True(t, errors.As(results[0].err, &amqpErr))

	assert.True(t, snd.IsClosed())
	assert.True(t, s.IsEnded())
	assert.Empty(t, tc.sessions)
}

func TestLinkDetachedByPeerWithError(t *testing.T) {
	var handled []error
	tc := newTestConnection(t, WithErrorHandler(&recordingErrorHandler{link: &handled}))
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var results []sendResult
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), collect(&results), 0))

	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Detach{
		Handle: snd.Handle(),
		Closed: true,
		Error:  &frame.Error{Condition: protocol.ErrCondStolen, Description: "taken over"},
	})
	tc.pump(t)

	assert.Equal(t, LinkError, snd.GetState())
	require.NotNil(t, snd.RemoteError())
	assert.Equal(t, ErrCondStolen, snd.RemoteError().Condition)
	require.Len(t, handled, 1)

	reply := tc.peer.lastSent()
	require.Equal(t, frame.KindDetach, reply.Kind())
	assert.Nil(t, reply.Body.(*frame.Detach).Error)

	require.Len(t, results, 1)
	assert.Equal(t, NotDelivered, results[0].reason)
	assert.ErrorIs(t, results[0].err, ErrLinkDetached)
	assert.Empty(t, s.links)
	assert.Equal(t, SessionMapped, s.GetState(), "link errors stay on the link")
}

func TestDetachUnknownHandleIsIgnored(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)

	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Detach{Handle: 12, Closed: true})
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))
	assert.Equal(t, SessionMapped, s.GetState())
	assert.Equal(t, 1, tc.logs.FilterMessage("detach received for unattached handle").Len())
}

func TestSenderDrain(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")
	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), nil, 0))
	tc.pump(t)

	h, dc, credit := snd.Handle(), uint32(1), uint32(5)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{
		IncomingWindow: 100,
		Handle:         &h,
		DeliveryCount:  &dc,
		LinkCredit:     &credit,
		Drain:          true,
	})
	tc.pump(t)

	assert.Equal(t, uint32(0), snd.Credit())
	assert.Equal(t, uint32(6), snd.DeliveryCount())
	reply := tc.peer.lastSent().Body.(*frame.Flow)
	require.NotNil(t, reply.DeliveryCount)
	assert.Equal(t, uint32(6), *reply.DeliveryCount)
	assert.Equal(t, uint32(0), *reply.LinkCredit)
	assert.True(t, reply.Drain)
}

func TestSenderCreditAccountsForInFlight(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")
	for i := 0; i < 3; i++ {
		require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("x")), nil, 0))
	}

	// The receiver grants 5 without having counted our 3 transfers
	h, dc, credit := snd.Handle(), uint32(0), uint32(5)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{
		IncomingWindow: 100, Handle: &h, DeliveryCount: &dc, LinkCredit: &credit,
	})
	tc.pump(t)
	assert.Equal(t, uint32(2), snd.Credit())
}

func TestLinkFlowEcho(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	h := snd.Handle()
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{IncomingWindow: 100, Handle: &h, Echo: true})
	tc.pump(t)

	reply := tc.peer.lastSent().Body.(*frame.Flow)
	require.NotNil(t, reply.Handle)
	assert.Equal(t, snd.Handle(), *reply.Handle)
	assert.Equal(t, uint32(10), *reply.LinkCredit)
	require.NotNil(t, reply.Available)
}

func TestReceiverReassemblesTransfers(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	tc := newTestConnection(t, WithMetrics(metrics))
	tc.open(t)
	s := tc.session(t)

	var got []*Message
	rcv := tc.receiver(t, s, "queue", func(msg *Message) DeliveryState {
		got = append(got, msg)
		return nil
	}, WithCredit(10))

	flow := tc.peer.sentOf(frame.KindFlow)[0].Body.(*frame.Flow)
	require.NotNil(t, flow.LinkCredit)
	assert.Equal(t, uint32(10), *flow.LinkCredit)
	assert.Equal(t, "queue", rcv.Source().Address)

	body := NewMessage([]byte("hello world")).Payload
	ch := tc.peer.peerChannel(s.Channel())
	id, format := uint32(0), uint32(0)
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, DeliveryTag: []byte("t0"),
		MessageFormat: &format, More: true, Payload: body[:4]})
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), More: true, Payload: body[4:9]})
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), Payload: body[9:]})
	tc.pump(t)

	require.Len(t, got, 1)
	data, err := got[0].Data()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, []byte("t0"), got[0].DeliveryTag)

	disp := tc.peer.lastSent()
	require.Equal(t, frame.KindDisposition, disp.Kind())
	d := disp.Body.(*frame.Disposition)
	assert.Equal(t, RoleReceiver, d.Role)
	assert.True(t, d.Settled)
	assert.IsType(t, &Accepted{}, d.State)

	assert.Equal(t, uint32(9), rcv.Credit())
	assert.Equal(t, uint32(1), rcv.DeliveryCount())
	assert.Equal(t, int64(1), metrics.GetTransfersReceived())
}

func TestReceiverHandlerOutcome(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", func(*Message) DeliveryState {
		return &Released{}
	})

	id := uint32(3)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, Payload: []byte{0}})
	tc.pump(t)

	d := tc.peer.lastSent().Body.(*frame.Disposition)
	assert.Equal(t, uint32(3), d.First)
	assert.IsType(t, &Released{}, d.State)
}

func TestReceiverSettleSecond(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", nil, WithReceiverSettleMode(ReceiverSettleModeSecond))

	ch := tc.peer.peerChannel(s.Channel())
	id := uint32(0)
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, Payload: []byte{0}})
	tc.pump(t)

	d := tc.peer.lastSent().Body.(*frame.Disposition)
	assert.False(t, d.Settled)
	assert.Contains(t, s.incomingUnsettled, uint32(0))

	tc.peer.push(ch, &frame.Disposition{Role: RoleSender, First: 0, Settled: true, State: &Accepted{}})
	tc.pump(t)
	assert.Empty(t, s.incomingUnsettled)
}

func TestReceiverAbortedDelivery(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)

	var got []*Message
	rcv := tc.receiver(t, s, "queue", func(msg *Message) DeliveryState {
		got = append(got, msg)
		return nil
	})

	ch := tc.peer.peerChannel(s.Channel())
	id0, id1 := uint32(0), uint32(1)
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id0, More: true, Payload: []byte("part")})
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), Aborted: true})
	tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id1, Payload: []byte("whole")})
	tc.pump(t)

	require.Len(t, got, 1)
	assert.Equal(t, []byte("whole"), got[0].Payload)
}

func TestReceiverMaxMessageSize(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", nil, WithMaxMessageSize(8))

	attach := tc.peer.sentOf(frame.KindAttach)[0].Body.(*frame.Attach)
	assert.Equal(t, uint64(8), attach.MaxMessageSize)

	id := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, Payload: make([]byte, 9)})
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))

	detach := tc.peer.lastSent()
	require.Equal(t, frame.KindDetach, detach.Kind())
	assert.Equal(t, protocol.ErrCondMessageSizeExceeded, detach.Body.(*frame.Detach).Error.Condition)
	assert.Equal(t, LinkDetachSent, rcv.GetState())
}

func TestReceiverTransferWithoutCredit(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", nil, WithCredit(0))

	id := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, Payload: []byte{1}})
	require.NoError(t, tc.Listen(context.Background(), NoWait, 0))

	detach := tc.peer.lastSent()
	require.Equal(t, frame.KindDetach, detach.Kind())
	assert.Equal(t, protocol.ErrCondTransferLimitExceeded, detach.Body.(*frame.Detach).Error.Condition)

	// The peer answers and the link ends in error
	tc.pump(t)
	assert.Equal(t, LinkError, rcv.GetState())
	assert.True(t, rcv.IsClosed())
}

func TestReceiverTopsUpCredit(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", nil, WithCredit(4))
	flowsBefore := len(tc.peer.sentOf(frame.KindFlow))

	ch := tc.peer.peerChannel(s.Channel())
	for id := uint32(0); id < 2; id++ {
		id := id
		tc.peer.push(ch, &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, Settled: true, Payload: []byte{1}})
	}
	require.NoError(t, tc.Listen(context.Background(), NoWait, 2))

	assert.Equal(t, uint32(4), rcv.Credit())
	flows := tc.peer.sentOf(frame.KindFlow)
	require.Len(t, flows, flowsBefore+1)
	f := flows[len(flows)-1].Body.(*frame.Flow)
	assert.Equal(t, uint32(2), *f.DeliveryCount)
	assert.Equal(t, uint32(4), *f.LinkCredit)
}

func TestReceiverDrainAndSetCredit(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", nil, WithCredit(4))

	require.NoError(t, rcv.Drain(context.Background()))
	f := tc.peer.lastSent().Body.(*frame.Flow)
	assert.True(t, f.Drain)

	// The sender uses up the credit by advancing its count
	h, dc, credit := rcv.Handle(), uint32(4), uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{
		IncomingWindow: 100, Handle: &h, DeliveryCount: &dc, LinkCredit: &credit, Drain: true,
	})
	tc.pump(t)
	assert.Equal(t, uint32(4), rcv.DeliveryCount())

	// Once drained the credit is granted again
	f = tc.peer.lastSent().Body.(*frame.Flow)
	assert.False(t, f.Drain)
	assert.Equal(t, uint32(4), *f.DeliveryCount)
	assert.Equal(t, uint32(4), *f.LinkCredit)
	assert.Equal(t, uint32(4), rcv.Credit())

	require.NoError(t, rcv.SetCredit(context.Background(), 20))
	f = tc.peer.lastSent().Body.(*frame.Flow)
	assert.Equal(t, uint32(20), *f.LinkCredit)
	assert.False(t, f.Drain)
}

func TestPeerInitiatedLink(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	tc.peer.autoReply = false

	zero := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Attach{
		Name:                 "from-broker",
		Handle:               7,
		Role:                 RoleSender,
		Source:               &Source{Address: "events"},
		Target:               &Target{},
		InitialDeliveryCount: &zero,
	})
	tc.pump(t)

	l, ok := s.links["from-broker"]
	require.True(t, ok)
	assert.Equal(t, RoleReceiver, l.Role())
	assert.Equal(t, LinkAttached, l.GetState())
	assert.Equal(t, "events", l.Source().Address)

	attach := tc.peer.sentOf(frame.KindAttach)[0].Body.(*frame.Attach)
	assert.Equal(t, "from-broker", attach.Name)
	assert.Equal(t, RoleReceiver, attach.Role)
	assert.Equal(t, frame.KindFlow, tc.peer.lastSent().Kind(), "credit is granted")

	// Transfers on the peer's handle reach the link
	id := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Transfer{Handle: 7, DeliveryID: &id, Payload: []byte{1}})
	tc.pump(t)
	assert.Equal(t, frame.KindDisposition, tc.peer.lastSent().Kind())
}

func TestAttachOnHandleInUse(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Attach{Name: "other", Handle: snd.Handle(), Role: RoleReceiver})
	tc.pump(t)

	end := tc.peer.sentOf(frame.KindEnd)
	require.Len(t, end, 1)
	assert.Equal(t, protocol.ErrCondHandleInUse, end[0].Body.(*frame.End).Error.Condition)
}

func TestLinkWaitAttachedRefused(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	tc.peer.autoReply = false

	snd, err := s.CreateSenderLink(context.Background(), "missing")
	require.NoError(t, err)

	// Refusal: an attach without a target followed by a detach
	ch := tc.peer.peerChannel(s.Channel())
	tc.peer.push(ch, &frame.Attach{Name: snd.Name(), Handle: 0, Role: RoleReceiver})
	tc.peer.push(ch, &frame.Detach{Handle: 0, Closed: true, Error: &frame.Error{Condition: protocol.ErrCondNotFound}})

	err = snd.WaitAttached(context.Background(), WaitFor(time.Second))
	require.NoError(t, err, "the attach arrived")
	assert.Nil(t, snd.RemoteTarget())

	tc.pump(t)
	assert.True(t, snd.IsClosed())
	assert.Equal(t, ErrCondNotFound, snd.RemoteError().Condition)
	assert.ErrorIs(t, snd.WaitAttached(context.Background(), NoWait), ErrLinkDetached)
}

type recordingErrorHandler struct {
	link *[]error
}

func (h *recordingErrorHandler) HandleConnectionError(*Connection, error) {}
func (h *recordingErrorHandler) HandleSessionError(*Session, error)       {}
func (h *recordingErrorHandler) HandleLinkError(_ *Link, err error) {
	*h.link = append(*h.link, err)
}
func (h *recordingErrorHandler) HandleDeliveryError(*Link, uint32, error) {}

func TestSenderCancelQueuedDelivery(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.window = 0
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	var results []sendResult
	msg := NewMessage([]byte("withdrawn"))
	msg.DeliveryTag = []byte("w")
	require.NoError(t, snd.Send(context.Background(), msg, collect(&results), 0))

	ok, err := snd.Cancel(context.Background(), []byte("w"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, Cancelled, results[0].reason)
	assert.Empty(t, s.outgoingUnsettled)

	ok, err = snd.Cancel(context.Background(), []byte("w"))
	require.NoError(t, err)
	assert.False(t, ok, "already withdrawn")

	// The abort goes out once the window opens
	next := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Flow{NextIncomingID: &next, IncomingWindow: 10})
	tc.pump(t)

	transfers := tc.peer.sentOf(frame.KindTransfer)
	require.Len(t, transfers, 1)
	tr := transfers[0].Body.(*frame.Transfer)
	assert.True(t, tr.Aborted)
	require.NotNil(t, tr.DeliveryID)
	assert.Equal(t, uint32(0), *tr.DeliveryID)
	assert.Empty(t, tr.Payload)
	assert.Len(t, results, 1)
}

func TestSenderCancelSentDelivery(t *testing.T) {
	tc := newTestConnection(t)
	tc.peer.settle = peerSettleNone
	tc.open(t)
	s := tc.session(t)
	snd := tc.sender(t, s, "queue")

	msg := NewMessage([]byte("x"))
	msg.DeliveryTag = []byte("sent")
	require.NoError(t, snd.Send(context.Background(), msg, nil, 0))

	ok, err := snd.Cancel(context.Background(), []byte("sent"))
	require.NoError(t, err)
	assert.False(t, ok, "a delivery on the wire awaits its outcome")
	assert.Equal(t, 1, snd.Unsettled())
}

func TestReceiverHandlerRejects(t *testing.T) {
	tc := newTestConnection(t)
	tc.open(t)
	s := tc.session(t)
	rcv := tc.receiver(t, s, "queue", func(*Message) DeliveryState {
		return Reject(NewError(ErrCondDecodeError, "bad body"))
	})

	id := uint32(0)
	tc.peer.push(tc.peer.peerChannel(s.Channel()), &frame.Transfer{Handle: rcv.Handle(), DeliveryID: &id, Payload: []byte{0}})
	tc.pump(t)

	d := tc.peer.lastSent().Body.(*frame.Disposition)
	rejected, ok := d.State.(*Rejected)
	require.True(t, ok)
	assert.Equal(t, ErrCondDecodeError, rejected.Error.Condition)
	assert.Equal(t, "bad body", rejected.Error.Description)
}
