package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/suite"

	"github.com/pairwave/peercall/capture"
	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/signaling"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*signaling.Message
}

func (s *fakeSender) Send(msg *signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
}

func (s *fakeSender) messages() []*signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*signaling.Message(nil), s.sent...)
}

func (s *fakeSender) byType(kind signaling.Kind) []*signaling.Message {
	var out []*signaling.Message
	for _, msg := range s.messages() {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

type fakeTrackSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeTrackSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, track)
	return nil
}

type fakeTransport struct {
	mu            sync.Mutex
	tracks        []webrtc.TrackLocal
	localDescs    []webrtc.SessionDescription
	remoteDescs   []webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	offerCount    int
	restartOffers int
	closed        bool

	sender  *fakeTrackSender
	onState func(webrtc.PeerConnectionState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sender: &fakeTrackSender{}}
}

func (t *fakeTransport) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offerCount++
	if options != nil && options.ICERestart {
		t.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDescs = append(t.localDescs, desc)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDescs = append(t.remoteDescs, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (trackSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return t.sender, nil
}

func (t *fakeTransport) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) driveState(state webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(state)
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

type PeerTestSuite struct {
	suite.Suite
	clock  *clockwork.FakeClock
	sender *fakeSender
	tr     *fakeTransport
	peer   *Peer
}

func TestPeerSuite(t *testing.T) {
	suite.Run(t, new(PeerTestSuite))
}

func (s *PeerTestSuite) SetupTest() {
	s.clock = clockwork.NewFakeClock()
	s.sender = &fakeSender{}
	s.tr = newFakeTransport()
}

func (s *PeerTestSuite) TearDownTest() {
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
}

func (s *PeerTestSuite) testConfig() Config {
	return Config{
		LiveBitrate:      2_500_000,
		RecordingBitrate: 4_000_000,
		Framerate:        30,
		StatsInterval:    3 * time.Second,
	}
}

func (s *PeerTestSuite) newPeer(role signaling.Role) *Peer {
	s.peer = newPeerWithDeps(
		s.testConfig(), "A1B2", role, s.sender, log.NewTest(s.T()), s.clock,
		func(Config) (transport, error) {
			return s.tr, nil
		})
	return s.peer
}

func (s *PeerTestSuite) bundle() *capture.Bundle {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	s.Require().NoError(err)
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	s.Require().NoError(err)
	return &capture.Bundle{Audio: audio, Video: video}
}

func (s *PeerTestSuite) start(role signaling.Role) *Peer {
	peer := s.newPeer(role)
	s.Require().NoError(peer.Start(context.Background(), s.bundle()))
	return peer
}

func (s *PeerTestSuite) nextState(peer *Peer) State {
	s.T().Helper()
	for {
		select {
		case ev, ok := <-peer.Events():
			s.Require().True(ok, "event stream closed")
			if ev.Kind == EventState {
				return ev.State
			}
		case <-time.After(2 * time.Second):
			s.Require().FailNow("timeout waiting for state event")
		}
	}
}

func (s *PeerTestSuite) offerPayload() json.RawMessage {
	return json.RawMessage(`{"type":"offer","sdp":"v=0 remote-offer"}`)
}

func (s *PeerTestSuite) candidatePayload(id string) json.RawMessage {
	return json.RawMessage(`{"candidate":"candidate:` + id + `"}`)
}

func (s *PeerTestSuite) TestStartAttachesTracks() {
	peer := s.start(signaling.RoleInitiator)

	s.Assert().Len(s.tr.tracks, 2)
	s.Assert().Equal(StateConnecting, s.nextState(peer))
}

func (s *PeerTestSuite) TestStartTwiceRejected() {
	peer := s.start(signaling.RoleInitiator)

	err := peer.Start(context.Background(), s.bundle())
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, ErrAlreadyStarted))
}

func (s *PeerTestSuite) TestInitiatorOffersOnReady() {
	peer := s.start(signaling.RoleInitiator)

	peer.HandleMessage(&signaling.Message{Type: signaling.KindReady, Room: "A1B2"})

	offers := s.sender.byType(signaling.KindOffer)
	s.Require().Len(offers, 1)
	s.Assert().Equal("A1B2", offers[0].Room)
	s.Require().Len(s.tr.localDescs, 1)
	s.Assert().Equal(webrtc.SDPTypeOffer, s.tr.localDescs[0].Type)
}

func (s *PeerTestSuite) TestJoinerIgnoresReady() {
	peer := s.start(signaling.RoleJoiner)

	peer.HandleMessage(&signaling.Message{Type: signaling.KindReady, Room: "A1B2"})
	s.Assert().Empty(s.sender.byType(signaling.KindOffer))
}

func (s *PeerTestSuite) TestJoinerAnswersOffer() {
	peer := s.start(signaling.RoleJoiner)

	peer.HandleMessage(&signaling.Message{
		Type:  signaling.KindOffer,
		Room:  "A1B2",
		Offer: s.offerPayload(),
	})

	s.Require().Len(s.tr.remoteDescs, 1)
	s.Assert().Equal(webrtc.SDPTypeOffer, s.tr.remoteDescs[0].Type)

	answers := s.sender.byType(signaling.KindAnswer)
	s.Require().Len(answers, 1)
	s.Require().Len(s.tr.localDescs, 1)
	s.Assert().Equal(webrtc.SDPTypeAnswer, s.tr.localDescs[0].Type)
}

func (s *PeerTestSuite) TestReadyBeforeStartOffersAfterStart() {
	peer := s.newPeer(signaling.RoleInitiator)

	peer.HandleMessage(&signaling.Message{Type: signaling.KindReady, Room: "A1B2"})
	s.Assert().Empty(s.sender.byType(signaling.KindOffer))

	s.Require().NoError(peer.Start(context.Background(), s.bundle()))
	s.Require().Len(s.sender.byType(signaling.KindOffer), 1)
}

func (s *PeerTestSuite) TestOfferBeforeStartAnsweredAfterStart() {
	peer := s.newPeer(signaling.RoleJoiner)

	peer.HandleMessage(&signaling.Message{
		Type:  signaling.KindOffer,
		Room:  "A1B2",
		Offer: s.offerPayload(),
	})
	s.Assert().Empty(s.sender.byType(signaling.KindAnswer))

	s.Require().NoError(peer.Start(context.Background(), s.bundle()))

	s.Require().Len(s.tr.remoteDescs, 1)
	s.Assert().Equal(webrtc.SDPTypeOffer, s.tr.remoteDescs[0].Type)
	s.Require().Len(s.sender.byType(signaling.KindAnswer), 1)
}

func (s *PeerTestSuite) TestInitiatorReoffersOnEachReady() {
	peer := s.start(signaling.RoleInitiator)

	peer.HandleMessage(&signaling.Message{Type: signaling.KindReady, Room: "A1B2"})
	peer.HandleMessage(&signaling.Message{Type: signaling.KindReady, Room: "A1B2"})

	s.Assert().Len(s.sender.byType(signaling.KindOffer), 2)
}

func (s *PeerTestSuite) TestAnnounceReady() {
	peer := s.start(signaling.RoleJoiner)

	peer.AnnounceReady()

	readies := s.sender.byType(signaling.KindReady)
	s.Require().Len(readies, 1)
	s.Assert().Equal("A1B2", readies[0].Room)
}

func (s *PeerTestSuite) TestInitiatorIgnoresOffer() {
	peer := s.start(signaling.RoleInitiator)

	peer.HandleMessage(&signaling.Message{
		Type:  signaling.KindOffer,
		Room:  "A1B2",
		Offer: s.offerPayload(),
	})
	s.Assert().Empty(s.tr.remoteDescs)
}

func (s *PeerTestSuite) TestInitiatorAppliesAnswer() {
	peer := s.start(signaling.RoleInitiator)
	peer.HandleMessage(&signaling.Message{Type: signaling.KindReady})

	peer.HandleMessage(&signaling.Message{
		Type:   signaling.KindAnswer,
		Room:   "A1B2",
		Answer: json.RawMessage(`{"type":"answer","sdp":"v=0 remote-answer"}`),
	})

	s.Require().Len(s.tr.remoteDescs, 1)
	s.Assert().Equal(webrtc.SDPTypeAnswer, s.tr.remoteDescs[0].Type)
}

func (s *PeerTestSuite) TestEarlyCandidatesBufferedThenFlushed() {
	peer := s.start(signaling.RoleJoiner)

	peer.HandleMessage(&signaling.Message{
		Type: signaling.KindICECandidate, Candidate: s.candidatePayload("a")})
	peer.HandleMessage(&signaling.Message{
		Type: signaling.KindICECandidate, Candidate: s.candidatePayload("b")})
	s.Assert().Empty(s.tr.appliedCandidates())

	peer.HandleMessage(&signaling.Message{
		Type:  signaling.KindOffer,
		Offer: s.offerPayload(),
	})

	applied := s.tr.appliedCandidates()
	s.Require().Len(applied, 2)
	s.Assert().Equal("candidate:a", applied[0].Candidate)
	s.Assert().Equal("candidate:b", applied[1].Candidate)
}

func (s *PeerTestSuite) TestCandidateAppliedAfterRemoteDescription() {
	peer := s.start(signaling.RoleJoiner)
	peer.HandleMessage(&signaling.Message{
		Type:  signaling.KindOffer,
		Offer: s.offerPayload(),
	})

	peer.HandleMessage(&signaling.Message{
		Type: signaling.KindICECandidate, Candidate: s.candidatePayload("late")})

	applied := s.tr.appliedCandidates()
	s.Require().Len(applied, 1)
	s.Assert().Equal("candidate:late", applied[0].Candidate)
}

func (s *PeerTestSuite) TestConnectionStateTransitions() {
	peer := s.start(signaling.RoleInitiator)
	s.Assert().Equal(StateConnecting, s.nextState(peer))

	s.tr.driveState(webrtc.PeerConnectionStateConnected)
	s.Assert().Equal(StateConnected, s.nextState(peer))

	s.tr.driveState(webrtc.PeerConnectionStateDisconnected)
	s.Assert().Equal(StateDisconnected, s.nextState(peer))
}

func (s *PeerTestSuite) TestFailureTriggersSingleRestart() {
	peer := s.start(signaling.RoleInitiator)
	s.tr.driveState(webrtc.PeerConnectionStateConnected)

	s.tr.driveState(webrtc.PeerConnectionStateFailed)
	s.Assert().Equal(1, s.tr.restartOffers)
	s.Assert().Equal(StateConnecting, peer.State())

	s.tr.driveState(webrtc.PeerConnectionStateFailed)
	s.Assert().Equal(1, s.tr.restartOffers)
	s.Assert().Equal(StateFailed, peer.State())

	var fatal error
	for ev := range peer.Events() {
		if ev.Kind == EventFatal {
			fatal = ev.Err
			break
		}
	}
	s.Assert().True(errors.Is(fatal, ErrNegotiationFailed))
}

func (s *PeerTestSuite) TestRestartBudgetResetsOnConnected() {
	peer := s.start(signaling.RoleInitiator)

	s.tr.driveState(webrtc.PeerConnectionStateFailed)
	s.Assert().Equal(1, s.tr.restartOffers)

	s.tr.driveState(webrtc.PeerConnectionStateConnected)
	s.tr.driveState(webrtc.PeerConnectionStateFailed)
	s.Assert().Equal(2, s.tr.restartOffers)
	s.Assert().Equal(StateConnecting, peer.State())
}

func (s *PeerTestSuite) TestReplaceVideoTrackReappliesEncoding() {
	peer := s.start(signaling.RoleInitiator)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	s.Require().NoError(err)
	s.Require().NoError(peer.ReplaceVideoTrack(track))

	s.Require().Len(s.tr.sender.replaced, 1)
	s.Assert().Same(webrtc.TrackLocal(track), s.tr.sender.replaced[0])
}

func (s *PeerTestSuite) TestEncodingTiers() {
	peer := s.start(signaling.RoleInitiator)

	s.Assert().Equal(2_500_000, peer.EncodingTarget())

	peer.SetRecording(true)
	s.Assert().Equal(4_000_000, peer.EncodingTarget())

	peer.SetRecording(false)
	peer.AdjustBitrate(1_000_000)
	s.Assert().Equal(1_000_000, peer.EncodingTarget())
}

func (s *PeerTestSuite) TestEncodingSinkFollowsTiers() {
	peer := s.newPeer(signaling.RoleInitiator)

	var mu sync.Mutex
	var applied [][2]int
	peer.SetEncodingSink(func(bitrate, framerate int) {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, [2]int{bitrate, framerate})
	})

	s.Require().NoError(peer.Start(context.Background(), s.bundle()))
	peer.SetRecording(true)
	peer.SetRecording(false)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(applied, 3)
	s.Assert().Equal([2]int{2_500_000, 30}, applied[0])
	s.Assert().Equal([2]int{4_000_000, 30}, applied[1])
	s.Assert().Equal([2]int{2_500_000, 30}, applied[2])
}

func (s *PeerTestSuite) TestPeerDisconnectedMessage() {
	peer := s.start(signaling.RoleInitiator)

	peer.HandleMessage(&signaling.Message{Type: signaling.KindPeerDisconnected, Room: "A1B2"})
	s.Assert().Equal(StateDisconnected, peer.State())
}

func (s *PeerTestSuite) TestQualitySampling() {
	peer := s.start(signaling.RoleInitiator)
	s.tr.driveState(webrtc.PeerConnectionStateConnected)

	// 30 frames over a 3s window is 10fps, a poor feed
	peer.mu.Lock()
	peer.remoteVideo = &webrtc.TrackRemote{}
	peer.mu.Unlock()
	for i := range 30 {
		peer.videoStats.observe(&rtp.Packet{
			Header: rtp.Header{SequenceNumber: uint16(i), Marker: true},
		})
	}

	s.clock.BlockUntil(1)
	s.clock.Advance(3 * time.Second)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-peer.Events():
			s.Require().True(ok)
			if ev.Kind == EventQuality {
				s.Assert().Equal(QualityPoor, ev.Quality)
				return
			}
		case <-deadline:
			s.Require().FailNow("timeout waiting for quality event")
		}
	}
}

func (s *PeerTestSuite) TestCloseIdempotent() {
	peer := s.start(signaling.RoleInitiator)

	peer.Close()
	peer.Close()
	s.Assert().True(s.tr.closed)
}
