package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/spf13/viper"

	"github.com/pairwave/peercall/internal/log"
)

const (
	opusSampleRate   = 48000
	forceKillTimeout = 5 * time.Second
)

type FFmpegConfig struct {
	VideoFormat  string `mapstructure:"video_format"`
	AudioFormat  string `mapstructure:"audio_format"`
	AudioDevice  string `mapstructure:"audio_device"`
	VideoBitrate string `mapstructure:"video_bitrate"`
}

func SetupFFmpeg(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".video_format", "v4l2")
	v.SetDefault(prefix+".audio_format", "pulse")
	v.SetDefault(prefix+".audio_device", "default")
	v.SetDefault(prefix+".video_bitrate", "2500k")
}

// FFmpegOpener acquires devices by spawning one encoder process per
// source: VP8 in an IVF stream for video, Opus in an Ogg stream for
// audio, both read from the child's stdout.
type FFmpegOpener struct {
	cfg    FFmpegConfig
	logger *log.Logger

	// Function for spawning the encoder process (can be replaced for testing)
	SpawnFFmpeg func(args ...string) *exec.Cmd
}

func NewFFmpegOpener(cfg FFmpegConfig, logger *log.Logger) *FFmpegOpener {
	return &FFmpegOpener{
		cfg:         cfg,
		logger:      logger.Module("ffmpeg"),
		SpawnFFmpeg: spawnFFmpeg,
	}
}

func spawnFFmpeg(args ...string) *exec.Cmd {
	return exec.Command("ffmpeg", args...)
}

func (f *FFmpegOpener) OpenVideo(_ context.Context, device Device, c Constraints) (Source, error) {
	bitrate := f.cfg.VideoBitrate
	if c.VideoBitrate > 0 {
		bitrate = fmt.Sprintf("%d", c.VideoBitrate)
	}

	args := []string{
		"-f", f.cfg.VideoFormat,
		"-framerate", fmt.Sprintf("%d", c.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-i", device.ID,
		"-an",
		"-c:v", "libvpx",
		"-b:v", bitrate,
		"-deadline", "realtime",
		"-cpu-used", "4",
		"-g", fmt.Sprintf("%d", 2*c.Framerate),
		"-f", "ivf",
		"pipe:1",
	}

	proc, err := f.startProcess(args)
	if err != nil {
		return nil, err
	}

	reader, _, err := ivfreader.NewWith(proc.stdout)
	if err != nil {
		proc.stop()
		return nil, err
	}

	return &ivfSource{
		proc:     proc,
		reader:   reader,
		interval: time.Second / time.Duration(c.Framerate),
	}, nil
}

func (f *FFmpegOpener) OpenAudio(_ context.Context, c Constraints) (Source, error) {
	args := []string{
		"-f", f.cfg.AudioFormat,
		"-i", f.cfg.AudioDevice,
	}
	if filters := audioFilters(c); filters != "" {
		args = append(args, "-af", filters)
	}
	args = append(args,
		"-c:a", "libopus",
		"-b:a", "48k",
		"-ar", fmt.Sprintf("%d", opusSampleRate),
		"-ac", "2",
		"-page_duration", "20000",
		"-f", "ogg",
		"pipe:1",
	)

	proc, err := f.startProcess(args)
	if err != nil {
		return nil, err
	}

	reader, _, err := oggreader.NewWith(proc.stdout)
	if err != nil {
		proc.stop()
		return nil, err
	}

	return &oggSource{proc: proc, reader: reader}, nil
}

// Snapshot grabs one frame as JPEG at roughly 0.9 quality.
func (f *FFmpegOpener) Snapshot(ctx context.Context, device Device) ([]byte, error) {
	args := []string{
		"-f", f.cfg.VideoFormat,
		"-i", device.ID,
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "image2",
		"pipe:1",
	}

	cmd := f.SpawnFFmpeg(args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return nil, ctx.Err()
	}

	return out.Bytes(), nil
}

// audioFilters maps the processing constraints onto ffmpeg filters.
// There is no real echo canceller available, so echo cancellation only
// contributes a highpass that removes low-frequency feedback rumble.
func audioFilters(c Constraints) string {
	var filters []string
	if c.EchoCancellation {
		filters = append(filters, "highpass=f=200")
	}
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	return strings.Join(filters, ",")
}

func (f *FFmpegOpener) startProcess(args []string) (*process, error) {
	cmd := f.SpawnFFmpeg(args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		cmd:    cmd,
		stdout: stdout,
		logger: f.logger,
		done:   make(chan struct{}),
	}
	go p.drainStderr(stderr)
	go p.wait()

	return p, nil
}

// process supervises one encoder child. stop sends SIGTERM and force
// kills after a timeout.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger *log.Logger

	// closed once Wait has returned; ProcessState is unsafe before then
	done     chan struct{}
	stopOnce sync.Once
}

func (p *process) wait() {
	defer close(p.done)
	if err := p.cmd.Wait(); err != nil {
		p.logger.Debug("encoder exited", log.Error(err))
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) stop() {
	p.stopOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Debug("SIGTERM failed", log.Error(err))
		}
		time.AfterFunc(forceKillTimeout, func() {
			if !p.exited() {
				_ = p.cmd.Process.Kill()
			}
		})
	})
}

func (p *process) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("encoder stderr", log.String("output", line))
	}
}

type ivfSource struct {
	proc     *process
	reader   *ivfreader.IVFReader
	interval time.Duration
}

func (s *ivfSource) ReadSample() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *ivfSource) Close() error {
	s.proc.stop()
	return s.proc.stdout.Close()
}

type oggSource struct {
	proc        *process
	reader      *oggreader.OggReader
	lastGranule uint64
}

func (s *oggSource) ReadSample() (media.Sample, error) {
	payload, header, err := s.reader.ParseNextPage()
	if err != nil {
		return media.Sample{}, err
	}

	samples := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	duration := time.Duration(samples) * time.Second / opusSampleRate

	return media.Sample{Data: payload, Duration: duration}, nil
}

func (s *oggSource) Close() error {
	s.proc.stop()
	return s.proc.stdout.Close()
}

// V4L2Enumerator lists /dev/video* nodes, labeling each from sysfs.
type V4L2Enumerator struct {
	logger *log.Logger
}

func NewV4L2Enumerator(logger *log.Logger) *V4L2Enumerator {
	return &V4L2Enumerator{logger: logger.Module("v4l2")}
}

func (e *V4L2Enumerator) VideoDevices(_ context.Context) ([]Device, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)

	devices := make([]Device, 0, len(nodes))
	for _, node := range nodes {
		devices = append(devices, Device{
			ID:    node,
			Label: sysfsLabel(node),
			Kind:  DeviceVideo,
		})
	}
	return devices, nil
}

func sysfsLabel(node string) string {
	name := filepath.Base(node)
	data, err := os.ReadFile(filepath.Join("/sys/class/video4linux", name, "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
