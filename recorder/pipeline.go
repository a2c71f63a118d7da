package recorder

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pairwave/peercall/internal/log"
)

const forceKillTimeout = 5 * time.Second

// spawnPipeline starts the compositor process. It reads the four RTP
// streams described by the SDP, renders the composite, and writes the
// container to stdout.
func (r *Recorder) spawnPipeline(sdpPath string, opt containerOption) (pipeline, error) {
	args := []string{
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-filter_complex", buildFilterGraph(r.cfg.CanvasWidth, r.cfg.CanvasHeight),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", opt.videoCodec,
		"-b:v", r.cfg.VideoBitrate,
	}
	if opt.videoCodec == "libvpx" {
		args = append(args, "-deadline", "realtime", "-cpu-used", "4")
	} else {
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	}
	args = append(args, "-c:a", opt.audioCodec, "-b:a", r.cfg.AudioBitrate)
	args = append(args, opt.extraArgs...)
	args = append(args, "-f", opt.muxer, "pipe:1")

	cmd := exec.Command("ffmpeg", args...)
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

	p := &ffmpegPipeline{
		cmd:    cmd,
		stdout: stdout,
		logger: r.logger.Module("ffmpeg"),
		done:   make(chan struct{}),
	}
	go p.drainStderr(stderr)
	go p.wait()
	return p, nil
}

// ffmpegPipeline supervises the compositor child. Stop sends SIGTERM
// so the muxer can flush trailers, then force kills after a timeout.
type ffmpegPipeline struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger *log.Logger

	// closed once Wait has returned; ProcessState is unsafe before then
	done     chan struct{}
	stopOnce sync.Once
}

func (p *ffmpegPipeline) wait() {
	defer close(p.done)
	if err := p.cmd.Wait(); err != nil {
		p.logger.Debug("compositor exited", log.Error(err))
	}
}

func (p *ffmpegPipeline) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *ffmpegPipeline) Output() io.ReadCloser {
	return p.stdout
}

func (p *ffmpegPipeline) Stop() {
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

func (p *ffmpegPipeline) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("compositor stderr", log.String("output", line))
	}
}
