// Package session owns the peer media transport. It drives the
// offer/answer/ICE exchange over the signaling link, tracks aggregate
// connection state, and derives a quality classification from periodic
// transport statistics.
package session

import (
	"time"

	"github.com/spf13/viper"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/signaling"
)

const (
	ErrNegotiationFailed errors.Code = "negotiation_failed"
	ErrNotStarted        errors.Code = "not_started"
	ErrAlreadyStarted    errors.Code = "already_started"
)

// State mirrors the transport's aggregate connectivity. Decoupled from
// the signaling link state.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Quality buckets the observed media statistics. Purely observational;
// AdjustBitrate exists for wiring adaptive control on top.
type Quality string

const (
	QualityPoor Quality = "poor"
	QualityGood Quality = "good"
	QualityHD   Quality = "hd"
)

type EventKind string

const (
	EventState       EventKind = "state"
	EventRemoteTrack EventKind = "remote-track"
	EventQuality     EventKind = "quality"
	EventFatal       EventKind = "fatal"
)

type Event struct {
	Kind    EventKind
	State   State
	Quality Quality
	Err     error
}

// MessageSender carries outbound signaling. Satisfied by the Link.
type MessageSender interface {
	Send(msg *signaling.Message)
}

type Config struct {
	STUNServers      []string      `mapstructure:"stun_servers"`
	LiveBitrate      int           `mapstructure:"live_bitrate"`
	RecordingBitrate int           `mapstructure:"recording_bitrate"`
	Framerate        int           `mapstructure:"framerate"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
}

func Setup(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault(prefix+".live_bitrate", 2_500_000)
	v.SetDefault(prefix+".recording_bitrate", 4_000_000)
	v.SetDefault(prefix+".framerate", 30)
	v.SetDefault(prefix+".stats_interval", 3*time.Second)
}
