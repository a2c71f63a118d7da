// Command peercall is the call client. Start a call to get a room
// code, or join one with a code shared out of band; the call is then
// driven interactively from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pairwave/peercall/capture"
	"github.com/pairwave/peercall/coordinator"
	"github.com/pairwave/peercall/internal/config"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/internal/otel"
	"github.com/pairwave/peercall/recorder"
	"github.com/pairwave/peercall/session"
	"github.com/pairwave/peercall/signaling"
)

type Config struct {
	App         config.App           `mapstructure:"app"`
	Coordinator coordinator.Config   `mapstructure:"call"`
	Link        signaling.LinkConfig `mapstructure:"link"`
	Session     session.Config       `mapstructure:"session"`
	Capture     capture.Constraints  `mapstructure:"capture"`
	FFmpeg      capture.FFmpegConfig `mapstructure:"ffmpeg"`
	Recorder    recorder.Config      `mapstructure:"recorder"`
	Otel        otel.Config          `mapstructure:"otel"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")
		coordinator.Setup(v, "call")
		signaling.SetupLink(v, "link")
		session.Setup(v, "session")
		capture.SetupConstraints(v, "capture")
		capture.SetupFFmpeg(v, "ffmpeg")
		recorder.Setup(v, "recorder")
		otel.Setup(v, "otel")

		v.SetDefault("otel.service_name", "peercall")
	})
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: peercall start | peercall join CODE")
	os.Exit(2)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger := log.New()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	otelShutdown, err := otel.Init(ctx, &cfg.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			logger.Error("Failed to shutdown OTEL", log.Error(err))
		}
	}()

	opts := coordinator.Options{
		Coordinator: cfg.Coordinator,
		Link:        cfg.Link,
		Session:     cfg.Session,
		Constraints: cfg.Capture,
		FFmpeg:      cfg.FFmpeg,
		Recorder:    cfg.Recorder,
	}

	var call *coordinator.Call
	switch {
	case len(os.Args) == 2 && os.Args[1] == "start":
		call = coordinator.StartCall(opts, logger)
		fmt.Printf("room code: %s\n", call.Room())
	case len(os.Args) == 3 && os.Args[1] == "join":
		call, err = coordinator.JoinCall(opts, os.Args[2], logger)
		if err != nil {
			logger.Fatal("Invalid room code", log.Error(err))
		}
	default:
		usage()
	}
	defer call.Leave()

	if err := call.Start(ctx); err != nil {
		logger.Fatal("Failed to start call", log.Error(err))
	}
	if err := call.StartCamera(ctx); err != nil {
		logger.Fatal("Failed to start camera", log.Error(err))
	}

	go printStatus(call)
	runConsole(ctx, call, logger)
}

func printStatus(call *coordinator.Call) {
	for st := range call.Status() {
		switch st.Kind {
		case coordinator.StatusLink:
			fmt.Printf("signaling: %s\n", st.Link)
		case coordinator.StatusCall:
			fmt.Printf("call: %s\n", st.Call)
		case coordinator.StatusQuality:
			fmt.Printf("quality: %s\n", st.Quality)
		case coordinator.StatusRemoteTrack:
			fmt.Println("remote media arrived")
		case coordinator.StatusRecording:
			fmt.Printf("recording: %v\n", st.Recording)
		case coordinator.StatusError:
			fmt.Printf("error: %v\n", st.Err)
		}
	}
}

func runConsole(ctx context.Context, call *coordinator.Call, logger *log.Logger) {
	fmt.Println("commands: m=mute v=video f=flip s=snapshot r=record q=quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			fmt.Printf("audio enabled: %v\n", call.ToggleMute())
		case "v":
			fmt.Printf("video enabled: %v\n", call.ToggleVideo())
		case "f":
			if err := call.FlipCamera(ctx); err != nil {
				fmt.Printf("flip failed: %v\n", err)
			}
		case "s":
			data, err := call.TakeSnapshot(ctx)
			if err != nil {
				fmt.Printf("snapshot failed: %v\n", err)
				continue
			}
			name := fmt.Sprintf("snapshot_%s.jpg", time.Now().Format("20060102T150405"))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				fmt.Printf("snapshot write failed: %v\n", err)
				continue
			}
			fmt.Printf("snapshot saved: %s\n", name)
		case "r":
			if call.Recording() {
				path, err := call.StopRecording()
				if err != nil {
					fmt.Printf("stop recording failed: %v\n", err)
					continue
				}
				fmt.Printf("recording saved: %s\n", path)
			} else if err := call.StartRecording(); err != nil {
				fmt.Printf("start recording failed: %v\n", err)
			}
		case "q":
			return
		case "":
		default:
			fmt.Println("commands: m=mute v=video f=flip s=snapshot r=record q=quit")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("console input ended", log.Error(err))
	}
}
