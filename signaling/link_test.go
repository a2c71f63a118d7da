package signaling

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
)

type fakeConn struct {
	in  chan *Message
	out chan *Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *Message, 16),
		out:    make(chan *Message, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context, v any) error {
	select {
	case msg := <-c.in:
		*(v.(*Message)) = *msg
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, v any) error {
	msg := *(v.(*Message))
	select {
	case c.out <- &msg:
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

type LinkTestSuite struct {
	suite.Suite
	clock  *clockwork.FakeClock
	connCh chan Conn
	link   *Link
}

func TestLinkSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}

func (s *LinkTestSuite) SetupTest() {
	s.clock = clockwork.NewFakeClock()
	s.connCh = make(chan Conn, 4)
}

func (s *LinkTestSuite) TearDownTest() {
	if s.link != nil {
		s.link.Close()
		s.link = nil
	}
}

func (s *LinkTestSuite) testConfig() LinkConfig {
	return LinkConfig{
		Endpoint:          "ws://relay.test/ws",
		HeartbeatInterval: 10 * time.Second,
		BackoffBase:       time.Second,
		BackoffCap:        10 * time.Second,
		MaxAttempts:       3,
		SendBuffer:        16,
	}
}

func (s *LinkTestSuite) newLink(dial Dialer) *Link {
	s.link = newLinkWithDeps(
		s.testConfig(), "A1B2", RoleInitiator, log.NewTest(s.T()), s.clock, dial)
	return s.link
}

func (s *LinkTestSuite) queueDialer() Dialer {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		select {
		case c := <-s.connCh:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return nil, net.ErrClosed
		}
	}
}

func (s *LinkTestSuite) nextState(link *Link) LinkState {
	s.T().Helper()
	for {
		select {
		case ev, ok := <-link.Events():
			s.Require().True(ok, "event stream closed")
			if ev.Kind == EventState {
				return ev.State
			}
		case <-time.After(2 * time.Second):
			s.Require().FailNow("timeout waiting for state event")
		}
	}
}

func (s *LinkTestSuite) nextMessage(link *Link) *Message {
	s.T().Helper()
	for {
		select {
		case ev, ok := <-link.Events():
			s.Require().True(ok, "event stream closed")
			if ev.Kind == EventMessage {
				return ev.Message
			}
		case <-time.After(2 * time.Second):
			s.Require().FailNow("timeout waiting for message event")
		}
	}
}

func (s *LinkTestSuite) nextWrite(conn *fakeConn) *Message {
	s.T().Helper()
	select {
	case msg := <-conn.out:
		return msg
	case <-time.After(2 * time.Second):
		s.Require().FailNow("timeout waiting for write")
		return nil
	}
}

func (s *LinkTestSuite) TestOpenReplaysJoin() {
	conn := newFakeConn()
	s.connCh <- conn
	link := s.newLink(s.queueDialer())
	link.Connect(context.Background())

	join := s.nextWrite(conn)
	s.Assert().Equal(KindJoin, join.Type)
	s.Assert().Equal("A1B2", join.Room)
	s.Assert().Equal(RoleInitiator, join.Role)

	s.Assert().Equal(LinkOpen, s.nextState(link))
}

func (s *LinkTestSuite) TestSendWhileOpen() {
	conn := newFakeConn()
	s.connCh <- conn
	link := s.newLink(s.queueDialer())
	link.Connect(context.Background())

	s.nextWrite(conn)
	s.Assert().Equal(LinkOpen, s.nextState(link))

	link.Send(&Message{Type: KindOffer, Room: "A1B2", Offer: json.RawMessage(`{}`)})

	msg := s.nextWrite(conn)
	s.Assert().Equal(KindOffer, msg.Type)
}

func (s *LinkTestSuite) TestSendWhileNotOpenDrops() {
	link := s.newLink(s.queueDialer())

	// not connected yet, must not block or panic
	link.Send(&Message{Type: KindOffer})
	s.Assert().Equal(LinkConnecting, link.State())
}

func (s *LinkTestSuite) TestHeartbeatFiltered() {
	conn := newFakeConn()
	s.connCh <- conn
	link := s.newLink(s.queueDialer())
	link.Connect(context.Background())

	s.nextWrite(conn)
	s.Assert().Equal(LinkOpen, s.nextState(link))

	conn.in <- &Message{Type: KindPong}
	conn.in <- &Message{Type: KindOffer, Room: "A1B2"}

	msg := s.nextMessage(link)
	s.Assert().Equal(KindOffer, msg.Type)
}

func (s *LinkTestSuite) TestIncomingPingAnsweredWithPong() {
	conn := newFakeConn()
	s.connCh <- conn
	link := s.newLink(s.queueDialer())
	link.Connect(context.Background())

	s.nextWrite(conn)
	s.Assert().Equal(LinkOpen, s.nextState(link))

	conn.in <- &Message{Type: KindPing}
	s.Assert().Equal(KindPong, s.nextWrite(conn).Type)
}

func (s *LinkTestSuite) TestPongTimeoutForcesReconnect() {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	s.connCh <- conn1
	link := s.newLink(s.queueDialer())
	link.Connect(context.Background())

	s.nextWrite(conn1)
	s.Assert().Equal(LinkOpen, s.nextState(link))

	// no pong ever arrives; three pings go out, the fourth tick trips
	// the watchdog
	for range 3 {
		s.clock.BlockUntil(1)
		s.clock.Advance(10 * time.Second)
		s.Assert().Equal(KindPing, s.nextWrite(conn1).Type)
	}
	s.clock.BlockUntil(1)
	s.clock.Advance(10 * time.Second)

	s.Assert().Equal(LinkReconnecting, s.nextState(link))

	s.connCh <- conn2
	s.clock.BlockUntil(1)
	s.clock.Advance(time.Second)

	s.Assert().Equal(LinkConnecting, s.nextState(link))
	join := s.nextWrite(conn2)
	s.Assert().Equal(KindJoin, join.Type)
	s.Assert().Equal(LinkOpen, s.nextState(link))
}

func (s *LinkTestSuite) TestExhaustedBudgetIsFatal() {
	dial := func(ctx context.Context, endpoint string) (Conn, error) {
		return nil, net.ErrClosed
	}
	link := s.newLink(dial)
	link.Connect(context.Background())

	// attempts 1 and 2 back off, attempt 3 exhausts the budget
	s.Assert().Equal(LinkReconnecting, s.nextState(link))
	s.clock.BlockUntil(1)
	s.clock.Advance(time.Second)

	s.Assert().Equal(LinkConnecting, s.nextState(link))
	s.Assert().Equal(LinkReconnecting, s.nextState(link))
	s.clock.BlockUntil(1)
	s.clock.Advance(2 * time.Second)

	var fatal error
	for {
		ev, ok := <-link.Events()
		s.Require().True(ok, "event stream closed before fatal event")
		if ev.Kind == EventFatal {
			fatal = ev.Err
			break
		}
	}
	s.Assert().True(errors.Is(fatal, ErrLinkExhausted))

	link.Close()
	s.Assert().Equal(LinkClosed, link.State())
}

// deadConn accepts the dial but fails every read and write, like a
// socket the far end already reset.
type deadConn struct{}

func (deadConn) Read(context.Context, any) error  { return net.ErrClosed }
func (deadConn) Write(context.Context, any) error { return net.ErrClosed }
func (deadConn) Close() error                     { return nil }

func (s *LinkTestSuite) TestFailedHandshakeBurnsBudget() {
	dial := func(ctx context.Context, endpoint string) (Conn, error) {
		return deadConn{}, nil
	}
	link := s.newLink(dial)
	link.Connect(context.Background())

	// every dial succeeds but the join write fails, so the attempt
	// budget never resets; attempts 1 and 2 back off, attempt 3 is
	// fatal
	s.Assert().Equal(LinkReconnecting, s.nextState(link))
	s.clock.BlockUntil(1)
	s.clock.Advance(time.Second)

	s.Assert().Equal(LinkConnecting, s.nextState(link))
	s.Assert().Equal(LinkReconnecting, s.nextState(link))
	s.clock.BlockUntil(1)
	s.clock.Advance(2 * time.Second)

	var fatal error
	for {
		ev, ok := <-link.Events()
		s.Require().True(ok, "event stream closed before fatal event")
		if ev.Kind == EventFatal {
			fatal = ev.Err
			break
		}
	}
	s.Assert().True(errors.Is(fatal, ErrLinkExhausted))
}

func (s *LinkTestSuite) TestBackoffNonDecreasingUpToCap() {
	link := s.newLink(s.queueDialer())
	policy := link.newBackoff()

	prev := time.Duration(0)
	for range 8 {
		d := policy.NextBackOff()
		s.Assert().GreaterOrEqual(d, prev)
		s.Assert().LessOrEqual(d, 10*time.Second)
		prev = d
	}
	s.Assert().Equal(10*time.Second, prev)
}

func (s *LinkTestSuite) TestCloseIdempotent() {
	conn := newFakeConn()
	s.connCh <- conn
	link := s.newLink(s.queueDialer())
	link.Connect(context.Background())

	s.nextWrite(conn)
	s.Assert().Equal(LinkOpen, s.nextState(link))

	link.Close()
	link.Close()
	s.Assert().Equal(LinkClosed, link.State())
}
