// Package recorder composites the live call into a single recording:
// both video tracks and both audio tracks are forwarded as RTP to a
// local encoder process that letterboxes the remote feed, overlays the
// local preview, and emits one container stream captured in chunks
// until finalized to disk.
package recorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/spf13/viper"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
)

const (
	ErrAlreadyRecording    errors.Code = "already_recording"
	ErrNotRecording        errors.Code = "not_recording"
	ErrRecorderUnsupported errors.Code = "recorder_unsupported"
)

const readBufferSize = 32 * 1024

type Config struct {
	OutputDir     string        `mapstructure:"output_dir"`
	Prefix        string        `mapstructure:"prefix"`
	SDPDir        string        `mapstructure:"sdp_dir"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	BasePort      int           `mapstructure:"base_port"`
	CanvasWidth   int           `mapstructure:"canvas_width"`
	CanvasHeight  int           `mapstructure:"canvas_height"`
	VideoBitrate  string        `mapstructure:"video_bitrate"`
	AudioBitrate  string        `mapstructure:"audio_bitrate"`
}

func Setup(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".output_dir", "recordings")
	v.SetDefault(prefix+".prefix", "call")
	v.SetDefault(prefix+".sdp_dir", "/tmp/peercall-sdp")
	v.SetDefault(prefix+".chunk_interval", 3*time.Second)
	v.SetDefault(prefix+".settle_delay", 500*time.Millisecond)
	v.SetDefault(prefix+".base_port", 40000)
	v.SetDefault(prefix+".canvas_width", 1280)
	v.SetDefault(prefix+".canvas_height", 720)
	v.SetDefault(prefix+".video_bitrate", "2500k")
	v.SetDefault(prefix+".audio_bitrate", "128k")
}

// pipeline is one running compositor process emitting the container
// stream on Output. Stop asks it to flush and exit, after which Output
// reaches EOF.
type pipeline interface {
	Output() io.ReadCloser
	Stop()
}

type pipelineFactory func(sdpPath string, opt containerOption) (pipeline, error)

// job is one recording from Start to finalization.
type job struct {
	id        string
	room      string
	startedAt time.Time
	pipe      pipeline

	mu      sync.Mutex
	chunks  [][]byte
	pending []byte
	lastCut time.Time

	readerDone chan struct{}
	readerErr  error
}

// Recorder owns the recording lifecycle. At most one job runs at a
// time; media enters through the RTP and sample taps, which silently
// drop while idle.
type Recorder struct {
	cfg    Config
	logger *log.Logger
	clock  clockwork.Clock
	sdp    *SDPGenerator

	probe       MuxerProber
	newPipeline pipelineFactory

	container   containerOption
	containerOK bool

	forward atomic.Pointer[forwarder]

	mu  sync.Mutex
	job *job
}

func New(cfg Config, logger *log.Logger) *Recorder {
	return newRecorderWithDeps(cfg, logger, clockwork.NewRealClock(), probeMuxers, nil)
}

func newRecorderWithDeps(
	cfg Config,
	logger *log.Logger,
	clock clockwork.Clock,
	probe MuxerProber,
	factory pipelineFactory,
) *Recorder {
	r := &Recorder{
		cfg:    cfg,
		logger: logger.Module("recorder"),
		clock:  clock,
		sdp:    NewSDPGenerator(cfg.SDPDir),
		probe:  probe,
	}
	if factory == nil {
		factory = r.spawnPipeline
	}
	r.newPipeline = factory
	return r
}

// Start begins recording the given room. The container is chosen once
// on first use from the preferred list the local encoder supports.
func (r *Recorder) Start(room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.job != nil {
		return errors.New(ErrAlreadyRecording, "recording already in progress")
	}

	if !r.containerOK {
		opt, err := pickContainer(r.probe)
		if err != nil {
			return err
		}
		r.container = opt
		r.containerOK = true
		r.logger.Info("container selected",
			log.String("muxer", opt.muxer),
			log.String("video_codec", opt.videoCodec),
		)
	}

	ports := portsFrom(r.cfg.BasePort)

	fw, err := newForwarder(ports, r.logger)
	if err != nil {
		return err
	}

	sdpPath, err := r.sdp.Generate(room, ports)
	if err != nil {
		fw.close()
		return err
	}

	pipe, err := r.newPipeline(sdpPath, r.container)
	if err != nil {
		fw.close()
		_ = r.sdp.Delete(room)
		return err
	}

	j := &job{
		id:         uuid.NewString(),
		room:       room,
		startedAt:  r.clock.Now(),
		pipe:       pipe,
		lastCut:    r.clock.Now(),
		readerDone: make(chan struct{}),
	}
	r.job = j
	r.forward.Store(fw)
	go r.readChunks(j)

	recordingsStarted.Add(context.Background(), 1)
	recordingsActive.Add(context.Background(), 1)
	r.logger.Info("recording started",
		log.String("job", j.id),
		log.String("room", room),
	)
	return nil
}

// Stop finalizes the current recording and returns the written file
// path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	j := r.job
	r.job = nil
	r.mu.Unlock()

	if j == nil {
		return "", errors.New(ErrNotRecording, "no recording in progress")
	}

	if fw := r.forward.Swap(nil); fw != nil {
		fw.close()
	}
	j.pipe.Stop()
	<-j.readerDone

	_ = r.sdp.Delete(j.room)
	recordingsActive.Add(context.Background(), -1)
	recordingsStopped.Add(context.Background(), 1)

	path, err := r.finalize(j)
	if err != nil {
		return "", err
	}

	r.logger.Info("recording finalized",
		log.String("job", j.id),
		log.String("path", path),
	)
	return path, nil
}

// Restart finalizes the current job and begins a fresh one for the
// same room, leaving two files behind. Used when the composite layout
// changes mid recording, such as a camera flip.
func (r *Recorder) Restart() error {
	r.mu.Lock()
	room := ""
	if r.job != nil {
		room = r.job.room
	}
	r.mu.Unlock()

	if room == "" {
		return errors.New(ErrNotRecording, "no recording in progress")
	}

	if _, err := r.Stop(); err != nil {
		return err
	}
	r.clock.Sleep(r.cfg.SettleDelay)
	return r.Start(room)
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job != nil
}

// RemoteVideoRTP feeds one remote video packet into the recording.
// No-op while idle.
func (r *Recorder) RemoteVideoRTP(pkt *rtp.Packet) {
	if fw := r.forward.Load(); fw != nil {
		fw.RemoteVideoRTP(pkt)
	}
}

func (r *Recorder) RemoteAudioRTP(pkt *rtp.Packet) {
	if fw := r.forward.Load(); fw != nil {
		fw.RemoteAudioRTP(pkt)
	}
}

func (r *Recorder) LocalVideoSample(sample media.Sample) {
	if fw := r.forward.Load(); fw != nil {
		fw.LocalVideoSample(sample)
	}
}

func (r *Recorder) LocalAudioSample(sample media.Sample) {
	if fw := r.forward.Load(); fw != nil {
		fw.LocalAudioSample(sample)
	}
}

// readChunks drains the compositor's output, sealing a chunk whenever
// the chunk interval has elapsed. Runs until the pipeline reaches EOF.
func (r *Recorder) readChunks(j *job) {
	defer close(j.readerDone)

	out := j.pipe.Output()
	buf := make([]byte, readBufferSize)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			j.append(buf[:n], r.clock.Now(), r.cfg.ChunkInterval)
			bytesCaptured.Add(context.Background(), int64(n))
		}
		if err != nil {
			if err != io.EOF {
				j.readerErr = err
				r.logger.Warn("recording stream ended", log.Error(err))
			}
			j.seal()
			return
		}
	}
}

func (j *job) append(data []byte, now time.Time, interval time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.pending = append(j.pending, data...)
	if now.Sub(j.lastCut) >= interval {
		j.sealLocked()
		j.lastCut = now
	}
}

func (j *job) seal() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sealLocked()
}

func (j *job) sealLocked() {
	if len(j.pending) == 0 {
		return
	}
	j.chunks = append(j.chunks, j.pending)
	j.pending = nil
	chunksCaptured.Add(context.Background(), 1)
}

// finalize concatenates the captured chunks into
// <prefix>_<room>_<timestamp>.<ext> under the output directory.
func (r *Recorder) finalize(j *job) (string, error) {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s_%s.%s",
		r.cfg.Prefix, j.room, j.startedAt.Format("20060102T150405"), r.container.ext)
	path := filepath.Join(r.cfg.OutputDir, name)
	if _, err := os.Stat(path); err == nil {
		// same room and second, as after a quick restart
		name = fmt.Sprintf("%s_%s_%s_%s.%s",
			r.cfg.Prefix, j.room, j.startedAt.Format("20060102T150405"), j.id[:8], r.container.ext)
		path = filepath.Join(r.cfg.OutputDir, name)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	j.mu.Lock()
	chunks := j.chunks
	j.chunks = nil
	j.mu.Unlock()

	for _, chunk := range chunks {
		if _, err := f.Write(chunk); err != nil {
			return "", err
		}
	}
	return path, nil
}
