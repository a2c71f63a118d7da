// Package coordinator owns one call end to end. It wires the signaling
// link, the capture manager, the media session, and the recorder
// together, exposes the user-facing call controls, and fans component
// events into a single status stream.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/spf13/viper"

	"github.com/pairwave/peercall/capture"
	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/internal/scheduler"
	"github.com/pairwave/peercall/recorder"
	"github.com/pairwave/peercall/session"
	"github.com/pairwave/peercall/signaling"
)

const (
	ErrCameraInactive errors.Code = "camera_inactive"
	ErrCameraActive   errors.Code = "camera_active"
	ErrCallEnded      errors.Code = "call_ended"
)

const (
	statusBuffer    = 32
	keyRecorderFlip = "recorder.flip-restart"
)

type Config struct {
	DeviceIndex      int           `mapstructure:"device_index"`
	FlipRestartDelay time.Duration `mapstructure:"flip_restart_delay"`
}

func Setup(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".device_index", 0)
	v.SetDefault(prefix+".flip_restart_delay", 250*time.Millisecond)
}

type StatusKind string

const (
	StatusLink        StatusKind = "link"
	StatusCall        StatusKind = "call"
	StatusQuality     StatusKind = "quality"
	StatusRemoteTrack StatusKind = "remote-track"
	StatusRecording   StatusKind = "recording"
	StatusError       StatusKind = "error"
)

// Status is the coordinator's merged event stream. Exactly one field
// beyond Kind is meaningful per kind.
type Status struct {
	Kind      StatusKind
	Link      signaling.LinkState
	Call      session.State
	Quality   session.Quality
	Recording bool
	Err       error
}

// signalLink is the Link surface the coordinator drives. Outbound
// negotiation traffic goes through the session's own sender, not here.
type signalLink interface {
	Connect(ctx context.Context)
	Events() <-chan signaling.Event
	Close()
}

// mediaSession is the Peer surface the coordinator drives.
type mediaSession interface {
	Start(ctx context.Context, bundle *capture.Bundle) error
	AnnounceReady()
	HandleMessage(msg *signaling.Message)
	Events() <-chan session.Event
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	SetRecording(on bool)
	SetEncodingSink(fn func(bitrate, framerate int))
	EncodingTarget() int
	SetRemoteVideoTap(fn func(*rtp.Packet))
	SetRemoteAudioTap(fn func(*rtp.Packet))
	Close()
}

// captureManager is the capture surface the coordinator drives.
type captureManager interface {
	ListDevices(ctx context.Context) ([]capture.Device, error)
	Acquire(ctx context.Context, deviceIndex int, c capture.Constraints) (*capture.Bundle, error)
	SwitchDevice(ctx context.Context) (*webrtc.TrackLocalStaticSample, error)
	SetVideoBitrate(ctx context.Context, bps int) error
	Snapshot(ctx context.Context) ([]byte, error)
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	AudioEnabled() bool
	VideoEnabled() bool
	SetVideoTap(fn func(media.Sample))
	SetAudioTap(fn func(media.Sample))
	Release()
}

// callRecorder is the recorder surface the coordinator drives.
type callRecorder interface {
	Start(room string) error
	Stop() (string, error)
	Restart() error
	Recording() bool
	RemoteVideoRTP(pkt *rtp.Packet)
	RemoteAudioRTP(pkt *rtp.Packet)
	LocalVideoSample(sample media.Sample)
	LocalAudioSample(sample media.Sample)
}

// Call is one live call from join to leave.
type Call struct {
	cfg         Config
	room        string
	role        signaling.Role
	constraints capture.Constraints
	logger      *log.Logger

	link    signalLink
	manager captureManager
	sess    mediaSession
	rec     callRecorder
	sched   *scheduler.KeyedScheduler

	status    chan Status
	stopCh    chan struct{}
	wg        sync.WaitGroup
	leaveOnce sync.Once

	mu        sync.Mutex
	cameraOn  bool
	recording bool
	ended     bool
}

func newCall(
	cfg Config,
	room string,
	role signaling.Role,
	constraints capture.Constraints,
	link signalLink,
	manager captureManager,
	sess mediaSession,
	rec callRecorder,
	logger *log.Logger,
) *Call {
	return &Call{
		cfg:         cfg,
		room:        room,
		role:        role,
		constraints: constraints,
		logger:      logger.Module("coordinator"),
		link:        link,
		manager:     manager,
		sess:        sess,
		rec:         rec,
		sched:       scheduler.NewKeyedScheduler(logger.Module("scheduler")),
		status:      make(chan Status, statusBuffer),
		stopCh:      make(chan struct{}),
	}
}

func (c *Call) Room() string {
	return c.room
}

func (c *Call) Role() signaling.Role {
	return c.role
}

// Status returns the merged event stream. Closed on Leave.
func (c *Call) Status() <-chan Status {
	return c.status
}

// Start opens the signaling link and begins dispatching events. Media
// does not flow until StartCamera.
func (c *Call) Start(ctx context.Context) error {
	if err := c.guardActive(); err != nil {
		return err
	}

	c.link.Connect(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch()
	}()

	c.logger.Info("call started",
		log.String("room", c.room),
		log.String("role", string(c.role)),
	)
	return nil
}

// dispatch fans link events, session events, and scheduler firings into
// the status stream until the call ends.
func (c *Call) dispatch() {
	linkEvents := c.link.Events()
	sessEvents := c.sess.Events()

	for {
		select {
		case <-c.stopCh:
			return

		case ev, ok := <-linkEvents:
			if !ok {
				linkEvents = nil
				continue
			}
			c.onLinkEvent(ev)

		case ev, ok := <-sessEvents:
			if !ok {
				sessEvents = nil
				continue
			}
			c.onSessionEvent(ev)

		case key, ok := <-c.sched.Chan():
			if !ok {
				continue
			}
			if key == keyRecorderFlip {
				c.restartRecording()
			}
		}
	}
}

func (c *Call) onLinkEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventState:
		c.emit(Status{Kind: StatusLink, Link: ev.State})
	case signaling.EventMessage:
		c.sess.HandleMessage(ev.Message)
	case signaling.EventFatal:
		c.logger.Error("signaling gave up", log.Error(ev.Err))
		c.emit(Status{Kind: StatusError, Err: ev.Err})
	}
}

func (c *Call) onSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		c.emit(Status{Kind: StatusCall, Call: ev.State})
	case session.EventQuality:
		c.emit(Status{Kind: StatusQuality, Quality: ev.Quality})
	case session.EventRemoteTrack:
		c.emit(Status{Kind: StatusRemoteTrack})
	case session.EventFatal:
		c.logger.Error("media session failed", log.Error(ev.Err))
		c.emit(Status{Kind: StatusError, Err: ev.Err})
	}
}

// StartCamera acquires local media and attaches it to the session. The
// remaining call controls unlock once this succeeds.
func (c *Call) StartCamera(ctx context.Context) error {
	if err := c.guardActive(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.cameraOn {
		c.mu.Unlock()
		return errors.New(ErrCameraActive, "camera already started")
	}
	c.mu.Unlock()

	if _, err := c.manager.ListDevices(ctx); err != nil {
		return err
	}

	// acquire at the session's current tier so the first encoding apply
	// matches the running encoder instead of reopening it
	constraints := c.constraints
	constraints.VideoBitrate = c.sess.EncodingTarget()

	bundle, err := c.manager.Acquire(ctx, c.cfg.DeviceIndex, constraints)
	if err != nil {
		return err
	}

	c.sess.SetEncodingSink(func(bps, _ int) {
		if err := c.manager.SetVideoBitrate(context.Background(), bps); err != nil {
			c.logger.Warn("video bitrate apply failed", log.Error(err))
		}
	})

	if err := c.sess.Start(ctx, bundle); err != nil {
		c.manager.Release()
		return err
	}

	c.mu.Lock()
	c.cameraOn = true
	c.mu.Unlock()

	// an initiating remote offers, or re-offers, on this announce
	c.sess.AnnounceReady()

	c.logger.Info("camera started")
	return nil
}

// FlipCamera cycles to the next video device and swaps the outgoing
// track in place. An active recording is scheduled for a restart so the
// composite picks up the new feed geometry.
func (c *Call) FlipCamera(ctx context.Context) error {
	if err := c.guardCamera(); err != nil {
		return err
	}

	track, err := c.manager.SwitchDevice(ctx)
	if err != nil {
		return err
	}
	if err := c.sess.ReplaceVideoTrack(track); err != nil {
		return err
	}

	c.mu.Lock()
	recording := c.recording
	c.mu.Unlock()
	if recording {
		c.sched.Enqueue(keyRecorderFlip, c.cfg.FlipRestartDelay)
	}

	c.logger.Info("camera flipped")
	return nil
}

// ToggleMute flips the audio gate and reports the new enabled state.
func (c *Call) ToggleMute() bool {
	next := !c.manager.AudioEnabled()
	c.manager.SetAudioEnabled(next)
	return next
}

// ToggleVideo flips the video gate and reports the new enabled state.
func (c *Call) ToggleVideo() bool {
	next := !c.manager.VideoEnabled()
	c.manager.SetVideoEnabled(next)
	return next
}

// TakeSnapshot grabs a still frame from the current camera.
func (c *Call) TakeSnapshot(ctx context.Context) ([]byte, error) {
	if err := c.guardCamera(); err != nil {
		return nil, err
	}
	return c.manager.Snapshot(ctx)
}

// StartRecording begins the composite recording and raises the
// outgoing encoding tier. All four media taps route into the recorder;
// muted tracks simply contribute no samples.
func (c *Call) StartRecording() error {
	if err := c.guardCamera(); err != nil {
		return err
	}

	if err := c.rec.Start(c.room); err != nil {
		return err
	}

	c.sess.SetRemoteVideoTap(c.rec.RemoteVideoRTP)
	c.sess.SetRemoteAudioTap(c.rec.RemoteAudioRTP)
	c.manager.SetVideoTap(c.rec.LocalVideoSample)
	c.manager.SetAudioTap(c.rec.LocalAudioSample)
	c.sess.SetRecording(true)

	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()

	c.emit(Status{Kind: StatusRecording, Recording: true})
	c.logger.Info("recording started")
	return nil
}

// StopRecording finalizes the recording and returns the written file
// path.
func (c *Call) StopRecording() (string, error) {
	c.mu.Lock()
	recording := c.recording
	c.recording = false
	c.mu.Unlock()
	if !recording {
		return "", errors.New(recorder.ErrNotRecording, "no recording in progress")
	}

	c.unwireRecording()
	c.sched.Cancel(keyRecorderFlip)

	path, err := c.rec.Stop()
	if err != nil {
		return "", err
	}

	c.emit(Status{Kind: StatusRecording, Recording: false})
	c.logger.Info("recording stopped", log.String("path", path))
	return path, nil
}

func (c *Call) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Call) restartRecording() {
	c.mu.Lock()
	recording := c.recording
	c.mu.Unlock()
	if !recording {
		return
	}
	if err := c.rec.Restart(); err != nil {
		c.logger.Warn("recording restart failed", log.Error(err))
		c.emit(Status{Kind: StatusError, Err: err})
	}
}

func (c *Call) unwireRecording() {
	c.sess.SetRecording(false)
	c.sess.SetRemoteVideoTap(nil)
	c.sess.SetRemoteAudioTap(nil)
	c.manager.SetVideoTap(nil)
	c.manager.SetAudioTap(nil)
}

// Leave tears the call down: session first so the remote sees a clean
// disconnect, then the link, then any recording is finalized and the
// devices released. Safe to call more than once.
func (c *Call) Leave() {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		recording := c.recording
		c.recording = false
		c.mu.Unlock()

		// scheduler first so a firing key cannot block once dispatch stops
		c.sched.Shutdown()
		close(c.stopCh)
		c.wg.Wait()

		c.sess.Close()
		c.link.Close()

		if recording {
			c.unwireRecording()
			if path, err := c.rec.Stop(); err != nil {
				c.logger.Warn("recording finalize failed", log.Error(err))
			} else {
				c.logger.Info("recording finalized", log.String("path", path))
			}
		}

		c.manager.Release()
		close(c.status)
		c.logger.Info("call left", log.String("room", c.room))
	})
}

func (c *Call) guardActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return errors.New(ErrCallEnded, "call already ended")
	}
	return nil
}

func (c *Call) guardCamera() error {
	if err := c.guardActive(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cameraOn {
		return errors.New(ErrCameraInactive, "camera not started")
	}
	return nil
}

func (c *Call) emit(st Status) {
	select {
	case c.status <- st:
	default:
		c.logger.Warn("status stream full, dropping", log.String("kind", string(st.Kind)))
	}
}
