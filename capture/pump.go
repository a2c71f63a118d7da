package capture

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/pairwave/peercall/internal/log"
)

// tapHolder is a swappable secondary sample consumer. The recording
// pipeline attaches here; it survives a device switch because the
// holder outlives any individual pump.
type tapHolder struct {
	mu sync.Mutex
	fn func(media.Sample)
}

func (h *tapHolder) set(fn func(media.Sample)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *tapHolder) call(sample media.Sample) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(sample)
	}
}

// pump moves samples from a Source into a local track until the source
// fails or the pump is stopped. The gate flag drops samples without
// tearing the source down, which is how mute and camera-off behave.
type pump struct {
	track   *webrtc.TrackLocalStaticSample
	src     Source
	enabled *atomic.Bool
	tap     *tapHolder
	logger  *log.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func newPump(
	track *webrtc.TrackLocalStaticSample,
	src Source,
	enabled *atomic.Bool,
	tap *tapHolder,
	logger *log.Logger,
) *pump {
	return &pump{
		track:   track,
		src:     src,
		enabled: enabled,
		tap:     tap,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (p *pump) start() {
	go func() {
		defer close(p.done)
		for {
			sample, err := p.src.ReadSample()
			if err != nil {
				p.logger.Debug("source ended", log.Error(err))
				return
			}
			if !p.enabled.Load() {
				continue
			}
			if err := p.track.WriteSample(sample); err != nil {
				p.logger.Warn("track write failed", log.Error(err))
			}
			if p.tap != nil {
				p.tap.call(sample)
			}
		}
	}()
}

// stop closes the source, which unblocks the pending read, then waits
// for the loop to drain.
func (p *pump) stop() {
	p.stopOnce.Do(func() {
		if err := p.src.Close(); err != nil {
			p.logger.Debug("source close", log.Error(err))
		}
	})
	<-p.done
}
