package coordinator

import (
	"github.com/pairwave/peercall/capture"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/recorder"
	"github.com/pairwave/peercall/session"
	"github.com/pairwave/peercall/signaling"
)

// Options bundles the per-component configuration the builders need.
type Options struct {
	Coordinator Config
	Link        signaling.LinkConfig
	Session     session.Config
	Constraints capture.Constraints
	FFmpeg      capture.FFmpegConfig
	Recorder    recorder.Config
}

// StartCall creates a call as the initiator under a freshly generated
// room code. The code is shared out of band for the other party to
// join with.
func StartCall(opts Options, logger *log.Logger) *Call {
	return build(opts, signaling.GenerateRoomCode(), signaling.RoleInitiator, logger)
}

// JoinCall creates a call as the joiner for an existing room code. The
// code is normalized before validation, so case and surrounding
// whitespace do not matter.
func JoinCall(opts Options, code string, logger *log.Logger) (*Call, error) {
	room := signaling.NormalizeRoomCode(code)
	if err := signaling.ValidateRoomCode(room); err != nil {
		return nil, err
	}
	return build(opts, room, signaling.RoleJoiner, logger), nil
}

func build(opts Options, room string, role signaling.Role, logger *log.Logger) *Call {
	link := signaling.NewLink(opts.Link, room, role, logger)
	manager := capture.NewManager(
		capture.NewV4L2Enumerator(logger),
		capture.NewFFmpegOpener(opts.FFmpeg, logger),
		logger,
	)
	sess := session.NewPeer(opts.Session, room, role, link, logger)
	rec := recorder.New(opts.Recorder, logger)

	return newCall(opts.Coordinator, room, role, opts.Constraints, link, manager, sess, rec, logger)
}
