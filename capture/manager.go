package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
)

const trackStreamID = "peercall"

// Bundle holds the acquired local tracks. Exclusively owned by the
// Manager; consumers read the track handles only.
type Bundle struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
}

// Manager is the single owner of local capture state. One acquisition
// may be live at a time; flips replace only the video half.
type Manager struct {
	enum   Enumerator
	opener Opener
	logger *log.Logger

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	audioTap tapHolder
	videoTap tapHolder

	mu          sync.Mutex
	devices     []Device
	current     int
	constraints Constraints
	bundle      *Bundle
	audioPump   *pump
	videoPump   *pump
}

func NewManager(enum Enumerator, opener Opener, logger *log.Logger) *Manager {
	m := &Manager{
		enum:   enum,
		opener: opener,
		logger: logger.Module("capture"),
	}
	m.audioEnabled.Store(true)
	m.videoEnabled.Store(true)
	return m
}

// ListDevices enumerates video inputs and caches the device set. When
// labels come back empty a transient open/close of the first device is
// performed and the enumeration retried, since some platforms withhold
// labels until an acquisition has succeeded once.
func (m *Manager) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := m.enum.VideoDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err, "enumerate video devices")
	}

	if len(devices) > 0 && unlabeled(devices) {
		src, err := m.opener.OpenVideo(ctx, devices[0], m.currentConstraints())
		if err == nil {
			_ = src.Close()
			if again, err := m.enum.VideoDevices(ctx); err == nil {
				devices = again
			}
		} else {
			m.logger.Warn("transient acquisition failed, labels may be empty", log.Error(err))
		}
	}

	m.mu.Lock()
	m.devices = devices
	if m.current >= len(devices) {
		m.current = 0
	}
	m.mu.Unlock()

	m.logger.Info("devices enumerated", log.Int("count", len(devices)))
	return devices, nil
}

// Acquire opens audio plus the selected video device and returns the
// local track bundle. Fails without side effects when either device
// cannot be opened.
func (m *Manager) Acquire(ctx context.Context, deviceIndex int, c Constraints) (*Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bundle != nil {
		return nil, errors.New(ErrAlreadyAcquired, "capture already acquired")
	}
	if deviceIndex < 0 || deviceIndex >= len(m.devices) {
		return nil, errors.Newf(ErrDeviceUnavailable, "device index %d out of range", deviceIndex)
	}
	device := m.devices[deviceIndex]

	audioSrc, err := m.opener.OpenAudio(ctx, c)
	if err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err, "open audio source")
	}

	videoSrc, err := m.opener.OpenVideo(ctx, device, c)
	if err != nil {
		_ = audioSrc.Close()
		return nil, errors.Wrap(ErrDeviceUnavailable, err, "open video source")
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", trackStreamID)
	if err != nil {
		_ = audioSrc.Close()
		_ = videoSrc.Close()
		return nil, err
	}
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", trackStreamID)
	if err != nil {
		_ = audioSrc.Close()
		_ = videoSrc.Close()
		return nil, err
	}

	m.current = deviceIndex
	m.constraints = c
	m.bundle = &Bundle{Audio: audioTrack, Video: videoTrack}
	m.audioPump = newPump(audioTrack, audioSrc, &m.audioEnabled, &m.audioTap, m.logger.Module("audio"))
	m.videoPump = newPump(videoTrack, videoSrc, &m.videoEnabled, &m.videoTap, m.logger.Module("video"))
	m.audioPump.start()
	m.videoPump.start()

	m.logger.Info("capture acquired",
		log.String("device", device.ID),
		log.Int("width", c.Width),
		log.Int("height", c.Height),
	)
	return m.bundle, nil
}

// SwitchDevice cycles to the next video input, leaving audio untouched.
// Returns the replacement video track for the transport to swap in.
func (m *Manager) SwitchDevice(ctx context.Context) (*webrtc.TrackLocalStaticSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bundle == nil {
		return nil, errors.New(ErrNotAcquired, "no active capture")
	}
	if len(m.devices) < 2 {
		return nil, errors.Newf(ErrInsufficientDevices, "%d video device(s) present", len(m.devices))
	}

	next := (m.current + 1) % len(m.devices)
	device := m.devices[next]

	src, err := m.opener.OpenVideo(ctx, device, m.constraints)
	if err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err, "open video source")
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", trackStreamID)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	m.videoPump.stop()
	m.videoPump = newPump(track, src, &m.videoEnabled, &m.videoTap, m.logger.Module("video"))
	m.videoPump.start()
	m.current = next
	m.bundle.Video = track

	m.logger.Info("video device switched",
		log.String("device", device.ID),
		log.Int("index", next),
	)
	return track, nil
}

// SetVideoBitrate reopens the current video device with a new encoder
// bitrate target, keeping the track so no renegotiation is needed. A
// matching target is a no-op.
func (m *Manager) SetVideoBitrate(ctx context.Context, bps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bundle == nil {
		return errors.New(ErrNotAcquired, "no active capture")
	}
	if m.constraints.VideoBitrate == bps {
		return nil
	}

	c := m.constraints
	c.VideoBitrate = bps
	device := m.devices[m.current]

	src, err := m.opener.OpenVideo(ctx, device, c)
	if err != nil {
		return errors.Wrap(ErrDeviceUnavailable, err, "open video source")
	}

	m.constraints = c
	m.videoPump.stop()
	m.videoPump = newPump(m.bundle.Video, src, &m.videoEnabled, &m.videoTap, m.logger.Module("video"))
	m.videoPump.start()

	m.logger.Info("video bitrate applied", log.Int("bps", bps))
	return nil
}

// Snapshot grabs one still frame from the current video device.
func (m *Manager) Snapshot(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	if m.bundle == nil {
		m.mu.Unlock()
		return nil, errors.New(ErrNotAcquired, "no active capture")
	}
	device := m.devices[m.current]
	m.mu.Unlock()

	return m.opener.Snapshot(ctx, device)
}

// SetVideoTap registers a read-only sample consumer fed alongside the
// local video track, used by the recording pipeline. Pass nil to clear.
func (m *Manager) SetVideoTap(fn func(media.Sample)) {
	m.videoTap.set(fn)
}

func (m *Manager) SetAudioTap(fn func(media.Sample)) {
	m.audioTap.set(fn)
}

func (m *Manager) SetAudioEnabled(on bool) {
	m.audioEnabled.Store(on)
	m.logger.Info("audio gate", log.Bool("enabled", on))
}

func (m *Manager) SetVideoEnabled(on bool) {
	m.videoEnabled.Store(on)
	m.logger.Info("video gate", log.Bool("enabled", on))
}

func (m *Manager) AudioEnabled() bool {
	return m.audioEnabled.Load()
}

func (m *Manager) VideoEnabled() bool {
	return m.videoEnabled.Load()
}

func (m *Manager) CurrentDeviceIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Release stops the pumps and closes both sources. Safe to call when
// nothing is acquired, and safe to call twice.
func (m *Manager) Release() {
	m.mu.Lock()
	audioPump, videoPump := m.audioPump, m.videoPump
	m.audioPump, m.videoPump = nil, nil
	m.bundle = nil
	m.mu.Unlock()

	if videoPump != nil {
		videoPump.stop()
	}
	if audioPump != nil {
		audioPump.stop()
	}
	m.logger.Info("capture released")
}

func (m *Manager) currentConstraints() Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.constraints.Framerate == 0 {
		return Constraints{Width: 1280, Height: 720, Framerate: 30}
	}
	return m.constraints
}

func unlabeled(devices []Device) bool {
	for _, d := range devices {
		if d.Label == "" {
			return true
		}
	}
	return false
}
