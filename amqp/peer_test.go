package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/transport"
)

type peerSettle int

const (
	// settle each delivery with a settled Accepted
	peerSettleFirst peerSettle = iota
	// answer with an unsettled Accepted and wait for the sender to settle
	peerSettleSecond
	// never answer transfers
	peerSettleNone
)

// fakePeer is a Transport that answers like a broker without a socket. It
// records every frame sent to it; frames for the connection are queued in
// inbox. An empty bounded read advances the mock clock by the wait so that
// waiting loops terminate.
type fakePeer struct {
	clock *clock.Mock

	sent     []*frame.Frame
	inbox    []*frame.Frame
	closed   bool
	closes   int
	frameIn  uint32
	frameOut uint32

	// behaviour
	autoReply   bool
	replyHeader bool
	header      frame.ProtocolHeader
	open        frame.Open
	window      uint32
	credit      uint32
	settle      peerSettle

	// peer channel by our channel
	channels map[uint16]uint16
	// the delivery being received on each of our channels
	delivery       map[uint16]uint32
	settled        map[uint16]bool
	nextIncomingID map[uint16]uint32
}

func newFakePeer(mock *clock.Mock) *fakePeer {
	return &fakePeer{
		clock:       mock,
		autoReply:   true,
		replyHeader: true,
		header:      frame.AMQPHeader,
		open: frame.Open{
			ContainerID:  "broker",
			MaxFrameSize: 64 * 1024,
			ChannelMax:   65535,
		},
		window:         100,
		credit:         10,
		channels:       make(map[uint16]uint16),
		delivery:       make(map[uint16]uint32),
		settled:        make(map[uint16]bool),
		nextIncomingID: make(map[uint16]uint32),
	}
}

func (p *fakePeer) Connect(ctx context.Context) error   { return nil }
func (p *fakePeer) Negotiate(ctx context.Context) error { return nil }

func (p *fakePeer) SetMaxFrameSize(incoming, outgoing uint32) {
	p.frameIn, p.frameOut = incoming, outgoing
}

func (p *fakePeer) Close() error {
	p.closed = true
	p.closes++
	return nil
}

func (p *fakePeer) SendFrame(ctx context.Context, f *frame.Frame) error {
	if p.closed {
		return transport.ErrClosed
	}
	p.sent = append(p.sent, f)
	if p.autoReply {
		p.respond(f)
	}
	return nil
}

func (p *fakePeer) ReceiveFrame(ctx context.Context, wait Wait) (*frame.Frame, error) {
	if len(p.inbox) > 0 {
		f := p.inbox[0]
		p.inbox = p.inbox[1:]
		return f, nil
	}
	if p.closed {
		return nil, transport.ErrClosed
	}
	if d, ok := wait.Timeout(); ok {
		p.clock.Add(d)
	}
	return nil, nil
}

func (p *fakePeer) ReceiveFrameBatch(ctx context.Context, n int, wait Wait) ([]*frame.Frame, error) {
	f, err := p.ReceiveFrame(ctx, wait)
	if f == nil || err != nil {
		return nil, err
	}
	out := []*frame.Frame{f}
	for len(out) < n && len(p.inbox) > 0 {
		out = append(out, p.inbox[0])
		p.inbox = p.inbox[1:]
	}
	return out, nil
}

// push queues a frame from the peer
func (p *fakePeer) push(channel uint16, body frame.Performative) {
	p.inbox = append(p.inbox, frame.NewFrame(channel, body))
}

// peerChannel returns the channel the peer uses for our session channel
func (p *fakePeer) peerChannel(ours uint16) uint16 {
	return p.channels[ours]
}

func (p *fakePeer) respond(f *frame.Frame) {
	switch b := f.Body.(type) {
	case *frame.ProtocolHeader:
		if p.replyHeader {
			p.inbox = append(p.inbox, frame.NewHeaderFrame(p.header))
		}
	case *frame.Open:
		open := p.open
		p.push(0, &open)
	case *frame.Begin:
		if b.RemoteChannel != nil {
			return
		}
		ch := f.Channel + 100
		p.channels[f.Channel] = ch
		remote := f.Channel
		p.push(ch, &frame.Begin{
			RemoteChannel:  &remote,
			IncomingWindow: p.window,
			OutgoingWindow: p.window,
			HandleMax:      1024,
		})
	case *frame.Attach:
		p.respondAttach(f.Channel, b)
	case *frame.Transfer:
		p.respondTransfer(f.Channel, b)
	case *frame.Detach:
		p.push(p.channels[f.Channel], &frame.Detach{Handle: b.Handle, Closed: b.Closed})
	case *frame.End:
		p.push(p.channels[f.Channel], &frame.End{})
	case *frame.Close:
		p.push(0, &frame.Close{})
	}
}

func (p *fakePeer) respondAttach(channel uint16, a *frame.Attach) {
	ch, ok := p.channels[channel]
	if !ok {
		// answering an attach the peer started
		return
	}
	reply := &frame.Attach{
		Name:               a.Name,
		Handle:             a.Handle,
		Role:               !a.Role,
		SenderSettleMode:   a.SenderSettleMode,
		ReceiverSettleMode: a.ReceiverSettleMode,
		Source:             a.Source,
		Target:             a.Target,
	}
	if reply.Role == RoleSender {
		zero := uint32(0)
		reply.InitialDeliveryCount = &zero
	}
	p.push(ch, reply)

	if a.Role == RoleSender && p.credit > 0 {
		h, dc, credit := a.Handle, uint32(0), p.credit
		next := p.nextIncomingID[channel]
		p.push(ch, &frame.Flow{
			NextIncomingID: &next,
			IncomingWindow: p.window,
			OutgoingWindow: p.window,
			Handle:         &h,
			DeliveryCount:  &dc,
			LinkCredit:     &credit,
		})
	}
}

func (p *fakePeer) respondTransfer(channel uint16, t *frame.Transfer) {
	p.nextIncomingID[channel]++
	if t.DeliveryID != nil {
		p.delivery[channel] = *t.DeliveryID
		p.settled[channel] = t.Settled
	}
	if t.More || t.Aborted || p.settled[channel] || p.settle == peerSettleNone {
		return
	}
	id := p.delivery[channel]
	p.push(p.channels[channel], &frame.Disposition{
		Role:    RoleReceiver,
		First:   id,
		Settled: p.settle == peerSettleFirst,
		State:   &Accepted{},
	})
}

// sentOf returns the bodies of the given kind sent so far, in order
func (p *fakePeer) sentOf(kind frame.Kind) []*frame.Frame {
	var out []*frame.Frame
	for _, f := range p.sent {
		if f.Kind() == kind {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) lastSent() *frame.Frame {
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func (p *fakePeer) sentKinds() []frame.Kind {
	kinds := make([]frame.Kind, len(p.sent))
	for i, f := range p.sent {
		kinds[i] = f.Kind()
	}
	return kinds
}

type testConn struct {
	*Connection
	peer  *fakePeer
	clock *clock.Mock
	logs  *observer.ObservedLogs
}

func newTestConnection(t *testing.T, opts ...Option) *testConn {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	peer := newFakePeer(mock)
	core, logs := observer.New(zapcore.DebugLevel)

	base := []Option{
		WithTransport(peer),
		WithClock(mock),
		WithLogger(zap.New(core)),
		WithContainerID("client"),
	}
	conn, err := NewConnection("", append(base, opts...)...)
	require.NoError(t, err)
	return &testConn{Connection: conn, peer: peer, clock: mock, logs: logs}
}

// open opens the connection and waits for the peer's Open
func (tc *testConn) open(t *testing.T) {
	t.Helper()
	require.NoError(t, tc.Open(context.Background(), WaitFor(time.Second)))
	require.Equal(t, StateOpened, tc.GetState())
}

// pump processes every frame the peer has queued
func (tc *testConn) pump(t *testing.T) {
	t.Helper()
	for len(tc.peer.inbox) > 0 {
		require.NoError(t, tc.Listen(context.Background(), NoWait, 0))
	}
}

func (tc *testConn) session(t *testing.T, opts ...SessionOption) *Session {
	t.Helper()
	s, err := tc.CreateSession(context.Background(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.WaitMapped(context.Background(), WaitFor(time.Second)))
	return s
}

func (tc *testConn) sender(t *testing.T, s *Session, target string, opts ...LinkOption) *Sender {
	t.Helper()
	snd, err := s.CreateSenderLink(context.Background(), target, opts...)
	require.NoError(t, err)
	require.NoError(t, snd.WaitAttached(context.Background(), WaitFor(time.Second)))
	tc.pump(t)
	return snd
}

func (tc *testConn) receiver(t *testing.T, s *Session, source string, handler MessageHandler, opts ...LinkOption) *Receiver {
	t.Helper()
	rcv, err := s.CreateReceiverLink(context.Background(), source, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, rcv.WaitAttached(context.Background(), WaitFor(time.Second)))
	tc.pump(t)
	return rcv
}
