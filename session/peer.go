package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pairwave/peercall/capture"
	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/signaling"
)

const eventBuffer = 32

// Peer drives one peer-to-peer media session. The initiator originates
// the offer once the remote signals readiness; the joiner answers.
// Candidates arriving before the remote description are buffered and
// flushed once it is set.
type Peer struct {
	cfg          Config
	room         string
	role         signaling.Role
	sender       MessageSender
	logger       *log.Logger
	clock        clockwork.Clock
	newTransport transportFactory

	events    chan Event
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	videoStats statsCounter

	mu            sync.Mutex
	tr            transport
	state         State
	quality       Quality
	remoteSet     bool
	pending       []webrtc.ICECandidateInit
	pendingReady  bool
	pendingOffer  json.RawMessage
	encodingSink  func(bitrate, framerate int)
	restartUsed   bool
	videoSender   trackSender
	recording     bool
	targetBitrate int
	remoteAudio   *webrtc.TrackRemote
	remoteVideo   *webrtc.TrackRemote
	videoTap      func(*rtp.Packet)
	audioTap      func(*rtp.Packet)
}

func NewPeer(cfg Config, room string, role signaling.Role, sender MessageSender, logger *log.Logger) *Peer {
	return newPeerWithDeps(cfg, room, role, sender, logger, clockwork.NewRealClock(), newPionTransport)
}

func newPeerWithDeps(
	cfg Config,
	room string,
	role signaling.Role,
	sender MessageSender,
	logger *log.Logger,
	clock clockwork.Clock,
	factory transportFactory,
) *Peer {
	return &Peer{
		cfg:          cfg,
		room:         room,
		role:         role,
		sender:       sender,
		logger:       logger.Module("session"),
		clock:        clock,
		newTransport: factory,
		events:       make(chan Event, eventBuffer),
		stopCh:       make(chan struct{}),
		state:        StateNew,
		quality:      QualityGood,
	}
}

func (p *Peer) Events() <-chan Event {
	return p.events
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start creates the transport and attaches the local tracks. The
// initiator becomes armed to offer on the next ready; the joiner waits
// passively for an offer.
func (p *Peer) Start(_ context.Context, bundle *capture.Bundle) error {
	p.mu.Lock()
	if p.tr != nil {
		p.mu.Unlock()
		return errors.New(ErrAlreadyStarted, "session already started")
	}
	p.mu.Unlock()

	tr, err := p.newTransport(p.cfg)
	if err != nil {
		return errors.Wrap(ErrNegotiationFailed, err, "create transport")
	}

	if _, err := tr.AddTrack(bundle.Audio); err != nil {
		_ = tr.Close()
		return errors.Wrap(ErrNegotiationFailed, err, "add audio track")
	}
	videoSender, err := tr.AddTrack(bundle.Video)
	if err != nil {
		_ = tr.Close()
		return errors.Wrap(ErrNegotiationFailed, err, "add video track")
	}

	tr.OnICECandidate(p.onLocalCandidate)
	tr.OnTrack(p.onRemoteTrack)
	tr.OnConnectionStateChange(p.onConnectionState)

	p.mu.Lock()
	p.tr = tr
	p.videoSender = videoSender
	ready := p.pendingReady
	offer := p.pendingOffer
	p.pendingReady = false
	p.pendingOffer = nil
	p.mu.Unlock()

	p.applyEncoding()
	p.setState(StateConnecting)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.statsLoop()
	}()

	// signaling that raced ahead of local media resumes here
	if ready {
		p.sendOffer(false)
	}
	if offer != nil {
		p.handleOffer(offer)
	}

	return nil
}

// AnnounceReady tells the remote party local media is attached. The
// initiator offers on every ready it receives, so each side announces
// once its camera comes up and negotiation starts as soon as both are
// able.
func (p *Peer) AnnounceReady() {
	p.sender.Send(&signaling.Message{Type: signaling.KindReady, Room: p.room})
	p.logger.Info("ready announced")
}

// HandleMessage feeds one signaling message into the state machine.
// Heartbeats must be filtered out by the caller.
func (p *Peer) HandleMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.KindReady:
		p.handleReady()
	case signaling.KindOffer:
		p.handleOffer(msg.Offer)
	case signaling.KindAnswer:
		p.handleAnswer(msg.Answer)
	case signaling.KindICECandidate:
		p.handleCandidate(msg.Candidate)
	case signaling.KindPeerDisconnected:
		p.logger.Info("peer disconnected")
		p.setState(StateDisconnected)
	default:
		p.logger.Warn("unexpected signaling message", log.String("type", string(msg.Type)))
	}
}

func (p *Peer) handleReady() {
	if p.role != signaling.RoleInitiator {
		// the joiner waits for the offer
		return
	}

	p.mu.Lock()
	if p.tr == nil {
		p.pendingReady = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.sendOffer(false)
}

func (p *Peer) sendOffer(restart bool) {
	p.mu.Lock()
	tr := p.tr
	p.mu.Unlock()
	if tr == nil {
		return
	}

	var options *webrtc.OfferOptions
	if restart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := tr.CreateOffer(options)
	if err != nil {
		p.negotiationFailure(err)
		return
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		p.negotiationFailure(err)
		return
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		p.negotiationFailure(err)
		return
	}
	p.sender.Send(&signaling.Message{
		Type:  signaling.KindOffer,
		Room:  p.room,
		Offer: payload,
	})
	p.logger.Info("offer sent", log.Bool("restart", restart))
}

func (p *Peer) handleOffer(raw json.RawMessage) {
	if p.role != signaling.RoleJoiner {
		p.logger.Warn("offer received by initiator, ignoring")
		return
	}

	p.mu.Lock()
	tr := p.tr
	if tr == nil {
		// hold the offer until local media is attached
		p.pendingOffer = raw
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		p.negotiationFailure(err)
		return
	}

	if err := tr.SetRemoteDescription(offer); err != nil {
		p.negotiationFailure(err)
		return
	}
	p.flushCandidates(tr)

	answer, err := tr.CreateAnswer()
	if err != nil {
		p.negotiationFailure(err)
		return
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		p.negotiationFailure(err)
		return
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		p.negotiationFailure(err)
		return
	}
	p.sender.Send(&signaling.Message{
		Type:   signaling.KindAnswer,
		Room:   p.room,
		Answer: payload,
	})
	p.logger.Info("answer sent")
}

func (p *Peer) handleAnswer(raw json.RawMessage) {
	p.mu.Lock()
	tr := p.tr
	p.mu.Unlock()
	if tr == nil {
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		p.negotiationFailure(err)
		return
	}
	if err := tr.SetRemoteDescription(answer); err != nil {
		p.negotiationFailure(err)
		return
	}
	p.flushCandidates(tr)
	p.logger.Info("answer applied")
}

// handleCandidate applies a remote candidate, or buffers it when no
// remote description exists yet. A single apply failure is absorbed.
func (p *Peer) handleCandidate(raw json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		p.logger.Warn("malformed candidate", log.Error(err))
		return
	}

	p.mu.Lock()
	tr := p.tr
	if tr == nil || !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := tr.AddICECandidate(candidate); err != nil {
		p.logger.Warn("candidate apply failed", log.Error(err))
	}
}

// flushCandidates marks the remote description present and applies any
// candidates that arrived early.
func (p *Peer) flushCandidates(tr transport) {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := tr.AddICECandidate(candidate); err != nil {
			p.logger.Warn("buffered candidate apply failed", log.Error(err))
		}
	}
	if len(pending) > 0 {
		p.logger.Info("buffered candidates applied", log.Int("count", len(pending)))
	}
}

func (p *Peer) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(c.ToJSON())
	if err != nil {
		p.logger.Warn("candidate marshal failed", log.Error(err))
		return
	}
	p.sender.Send(&signaling.Message{
		Type:      signaling.KindICECandidate,
		Room:      p.room,
		Candidate: payload,
	})
}

func (p *Peer) onRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.mu.Lock()
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		p.remoteAudio = track
	case webrtc.RTPCodecTypeVideo:
		p.remoteVideo = track
	}
	p.mu.Unlock()

	p.logger.Info("remote track", log.String("kind", track.Kind().String()))
	p.emit(Event{Kind: EventRemoteTrack})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readRemote(track)
	}()
}

func (p *Peer) readRemote(track *webrtc.TrackRemote) {
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug("remote track ended", log.Error(err))
			return
		}

		if video {
			p.videoStats.observe(pkt)
		}

		p.mu.Lock()
		var tap func(*rtp.Packet)
		if video {
			tap = p.videoTap
		} else {
			tap = p.audioTap
		}
		p.mu.Unlock()

		if tap != nil {
			tap(pkt)
		}
	}
}

func (p *Peer) onConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Info("transport state", log.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		p.restartUsed = false
		p.mu.Unlock()
		p.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		p.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		p.negotiationFailure(errors.New(ErrNegotiationFailed, "transport failed"))
	default:
	}
}

// negotiationFailure attempts one automatic ICE restart; a second
// failure surfaces as fatal.
func (p *Peer) negotiationFailure(err error) {
	p.mu.Lock()
	used := p.restartUsed
	p.restartUsed = true
	p.remoteSet = false
	p.mu.Unlock()

	if used {
		p.setState(StateFailed)
		p.emit(Event{Kind: EventFatal, Err: errors.Wrap(ErrNegotiationFailed, err, "ice restart exhausted")})
		return
	}

	p.logger.Warn("negotiation failed, attempting ICE restart", log.Error(err))
	p.setState(StateConnecting)
	if p.role == signaling.RoleInitiator {
		p.sendOffer(true)
	}
}

// ReplaceVideoTrack swaps the outgoing video track after a device
// switch and reapplies the encoding target, which does not survive a
// track replacement.
func (p *Peer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return errors.New(ErrNotStarted, "session not started")
	}

	if err := sender.ReplaceTrack(track); err != nil {
		return errors.Wrap(ErrNegotiationFailed, err, "replace video track")
	}
	p.applyEncoding()
	return nil
}

// SetRecording switches between the live and recording encoding tiers.
func (p *Peer) SetRecording(on bool) {
	p.mu.Lock()
	p.recording = on
	p.mu.Unlock()
	p.applyEncoding()
}

// AdjustBitrate overrides the current target. Hook for adaptive
// control; the base policy never calls it.
func (p *Peer) AdjustBitrate(bps int) {
	p.mu.Lock()
	p.targetBitrate = bps
	p.mu.Unlock()
	p.logger.Info("bitrate target adjusted", log.Int("bps", bps))
}

// EncodingTarget reports the effective outgoing video bitrate target.
func (p *Peer) EncodingTarget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targetBitrate > 0 {
		return p.targetBitrate
	}
	if p.recording {
		return p.cfg.RecordingBitrate
	}
	return p.cfg.LiveBitrate
}

// SetEncodingSink registers the consumer the effective encoding target
// is pushed to on every tier change. The coordinator points this at the
// capture encoder.
func (p *Peer) SetEncodingSink(fn func(bitrate, framerate int)) {
	p.mu.Lock()
	p.encodingSink = fn
	p.mu.Unlock()
}

func (p *Peer) applyEncoding() {
	target := p.EncodingTarget()

	p.mu.Lock()
	sink := p.encodingSink
	p.mu.Unlock()

	p.logger.Info("encoding target applied",
		log.Int("bitrate", target),
		log.Int("framerate", p.cfg.Framerate),
	)
	if sink != nil {
		sink(target, p.cfg.Framerate)
	}
}

// RemoteTracks returns the received track handles, nil until the first
// remote media arrives.
func (p *Peer) RemoteTracks() (audio, video *webrtc.TrackRemote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteAudio, p.remoteVideo
}

// SetRemoteVideoTap registers a read-only RTP consumer, used by the
// recording pipeline. Pass nil to clear.
func (p *Peer) SetRemoteVideoTap(fn func(*rtp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoTap = fn
}

func (p *Peer) SetRemoteAudioTap(fn func(*rtp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioTap = fn
}

func (p *Peer) Quality() Quality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quality
}

func (p *Peer) statsLoop() {
	ticker := p.clock.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.Chan():
			p.sampleQuality()
		}
	}
}

func (p *Peer) sampleQuality() {
	p.mu.Lock()
	hasVideo := p.remoteVideo != nil
	connected := p.state == StateConnected
	p.mu.Unlock()
	if !hasVideo || !connected {
		return
	}

	frames, packets, lost := p.videoStats.sample()
	fps := float64(frames) / p.cfg.StatsInterval.Seconds()
	lossPct := 0.0
	if packets+lost > 0 {
		lossPct = float64(lost) / float64(packets+lost) * 100
	}

	quality := classifyQuality(fps, lossPct)

	p.mu.Lock()
	changed := quality != p.quality
	p.quality = quality
	p.mu.Unlock()

	if changed {
		p.logger.Info("quality changed",
			log.String("quality", string(quality)),
			log.Float64("fps", fps),
			log.Float64("loss_pct", lossPct),
		)
		p.emit(Event{Kind: EventQuality, Quality: quality})
	}
}

func (p *Peer) setState(next State) {
	p.mu.Lock()
	if p.state == next {
		p.mu.Unlock()
		return
	}
	p.state = next
	p.mu.Unlock()

	p.logger.Info("session state", log.String("state", string(next)))
	p.emit(Event{Kind: EventState, State: next})
}

func (p *Peer) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event stream full, dropping", log.String("kind", string(ev.Kind)))
	}
}

// Close tears the transport down. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		tr := p.tr
		p.tr = nil
		p.mu.Unlock()

		if tr != nil {
			if err := tr.Close(); err != nil {
				p.logger.Warn("transport close", log.Error(err))
			}
		}
		p.wg.Wait()
		close(p.events)
	})
}
