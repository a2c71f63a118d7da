// Package capture owns the local media devices. It enumerates video
// inputs, acquires encoded audio and video streams, and performs the
// hot swap of the video source when the user flips cameras.
package capture

import (
	"context"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/spf13/viper"

	"github.com/pairwave/peercall/internal/errors"
)

const (
	ErrDeviceUnavailable   errors.Code = "device_unavailable"
	ErrInsufficientDevices errors.Code = "insufficient_devices"
	ErrNotAcquired         errors.Code = "not_acquired"
	ErrAlreadyAcquired     errors.Code = "already_acquired"
)

type DeviceKind string

const (
	DeviceVideo DeviceKind = "video"
	DeviceAudio DeviceKind = "audio"
)

// Device identifies one capture input. Label may be empty until a
// transient acquisition has been performed at least once.
type Device struct {
	ID    string
	Label string
	Kind  DeviceKind
}

// Constraints are the acquisition options honored by an Opener.
type Constraints struct {
	Width            int  `mapstructure:"width"`
	Height           int  `mapstructure:"height"`
	Framerate        int  `mapstructure:"framerate"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`

	// VideoBitrate is the encoder target in bits per second. Zero falls
	// back to the opener's configured default. Driven by the session's
	// encoding tier rather than configuration.
	VideoBitrate int `mapstructure:"-"`
}

func SetupConstraints(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".width", 1280)
	v.SetDefault(prefix+".height", 720)
	v.SetDefault(prefix+".framerate", 30)
	v.SetDefault(prefix+".echo_cancellation", true)
	v.SetDefault(prefix+".noise_suppression", true)
	v.SetDefault(prefix+".auto_gain_control", true)
}

// Source delivers encoded samples for one media kind. ReadSample blocks
// until a sample is available; Close unblocks any pending read.
type Source interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// Opener turns a device into live sources. Implementations spawn and
// supervise the platform encoder.
type Opener interface {
	OpenVideo(ctx context.Context, device Device, c Constraints) (Source, error)
	OpenAudio(ctx context.Context, c Constraints) (Source, error)
	Snapshot(ctx context.Context, device Device) ([]byte, error)
}

// Enumerator lists the video inputs available on this host.
type Enumerator interface {
	VideoDevices(ctx context.Context) ([]Device, error)
}
