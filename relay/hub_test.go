package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/signaling"
)

type fakePeer struct {
	id string

	mu        sync.Mutex
	delivered []*signaling.Message
	kicked    string
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string {
	return p.id
}

func (p *fakePeer) Deliver(msg *signaling.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, msg)
}

func (p *fakePeer) Kick(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kicked = reason
}

func (p *fakePeer) messages() []*signaling.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*signaling.Message(nil), p.delivered...)
}

func (p *fakePeer) kickedReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicked
}

type HubTestSuite struct {
	suite.Suite
	hub *Hub
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubTestSuite))
}

func (s *HubTestSuite) SetupTest() {
	s.hub = NewHub(Config{
		RoomTTL:  time.Minute,
		MaxRooms: 4,
		MsgRate:  50,
		MsgBurst: 100,
	}, log.NewTest(s.T()))
}

func (s *HubTestSuite) TestFirstJoinOpensRoom() {
	p := newFakePeer("p1")

	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p))
	s.Assert().Equal(1, s.hub.RoomCount())
	s.Assert().Empty(p.messages())
}

func (s *HubTestSuite) TestPairingBroadcastsReady() {
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")

	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleJoiner, p2))

	for _, p := range []*fakePeer{p1, p2} {
		msgs := p.messages()
		s.Require().Len(msgs, 1)
		s.Assert().Equal(signaling.KindReady, msgs[0].Type)
		s.Assert().Equal("A1B2", msgs[0].Room)
	}
}

func (s *HubTestSuite) TestThirdJoinRejected() {
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, newFakePeer("p1")))
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleJoiner, newFakePeer("p2")))

	err := s.hub.Join("A1B2", signaling.RoleJoiner, newFakePeer("p3"))
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, ErrRoomFull))
}

func (s *HubTestSuite) TestRoomLimit() {
	for _, code := range []string{"AAAA", "BBBB", "CCCC", "DDDD"} {
		s.Require().NoError(s.hub.Join(code, signaling.RoleInitiator, newFakePeer("p-"+code)))
	}

	err := s.hub.Join("EEEE", signaling.RoleInitiator, newFakePeer("p5"))
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, ErrTooManyRooms))
}

func (s *HubTestSuite) TestForwardPreservesOrderAndPayload() {
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleJoiner, p2))

	offer := &signaling.Message{
		Type:  signaling.KindOffer,
		Room:  "A1B2",
		Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	s.Require().NoError(s.hub.Forward("A1B2", p1, offer))
	for i := range 3 {
		s.Require().NoError(s.hub.Forward("A1B2", p1, &signaling.Message{
			Type:      signaling.KindICECandidate,
			Room:      "A1B2",
			Candidate: json.RawMessage{'0' + byte(i)},
		}))
	}

	msgs := p2.messages()
	s.Require().Len(msgs, 5) // ready + offer + 3 candidates
	s.Assert().Equal(signaling.KindOffer, msgs[1].Type)
	s.Assert().JSONEq(string(offer.Offer), string(msgs[1].Offer))
	for i, msg := range msgs[2:] {
		s.Assert().Equal(signaling.KindICECandidate, msg.Type)
		s.Assert().Equal(json.RawMessage{'0' + byte(i)}, msg.Candidate)
	}
	// nothing echoes back to the sender
	s.Assert().Len(p1.messages(), 1)
}

func (s *HubTestSuite) TestForwardWithoutPeer() {
	p1 := newFakePeer("p1")
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))

	err := s.hub.Forward("A1B2", p1, &signaling.Message{Type: signaling.KindOffer, Room: "A1B2"})
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, ErrNotInRoom))
}

func (s *HubTestSuite) TestLeaveNotifiesRemaining() {
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleJoiner, p2))

	s.hub.Leave("A1B2", p1)

	msgs := p2.messages()
	s.Require().Len(msgs, 2)
	s.Assert().Equal(signaling.KindPeerDisconnected, msgs[1].Type)
	s.Assert().Equal(1, s.hub.RoomCount())

	s.hub.Leave("A1B2", p2)
	s.Assert().Equal(0, s.hub.RoomCount())
}

func (s *HubTestSuite) TestLeaveTwiceIsSafe() {
	p1 := newFakePeer("p1")
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))

	s.hub.Leave("A1B2", p1)
	s.hub.Leave("A1B2", p1)
	s.Assert().Equal(0, s.hub.RoomCount())
}

func (s *HubTestSuite) TestHalfOpenExpiryKicksWaitingPeer() {
	p1 := newFakePeer("p1")
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))

	s.hub.onExpire("A1B2", p1)

	s.Assert().Equal(0, s.hub.RoomCount())
	s.Assert().NotEmpty(p1.kickedReason())
}

func (s *HubTestSuite) TestExpiryIgnoresPairedRoom() {
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleInitiator, p1))
	s.Require().NoError(s.hub.Join("A1B2", signaling.RoleJoiner, p2))

	// pairing removes the entry from the TTL cache, which fires the
	// eviction callback; a paired room must survive it
	s.Assert().Equal(1, s.hub.RoomCount())
	s.Assert().Empty(p1.kickedReason())
}
