package recorder

import (
	"os/exec"
	"strings"

	"github.com/pairwave/peercall/internal/errors"
)

// containerOption is one container plus codec pairing the compositor
// can emit, ordered by preference.
type containerOption struct {
	ext        string
	muxer      string
	videoCodec string
	audioCodec string
	extraArgs  []string
}

var containerOptions = []containerOption{
	{ext: "webm", muxer: "webm", videoCodec: "libvpx", audioCodec: "libopus"},
	{ext: "mkv", muxer: "matroska", videoCodec: "libvpx", audioCodec: "libopus"},
	{
		ext: "mp4", muxer: "mp4", videoCodec: "libx264", audioCodec: "aac",
		// mp4 needs fragmented output to stay valid on a pipe
		extraArgs: []string{"-movflags", "frag_keyframe+empty_moov"},
	},
}

// MuxerProber returns the encoder's muxer listing. Replaceable for
// testing.
type MuxerProber func() (string, error)

func probeMuxers() (string, error) {
	out, err := exec.Command("ffmpeg", "-hide_banner", "-muxers").Output()
	return string(out), err
}

// pickContainer selects the first preferred container the local encoder
// build can mux.
func pickContainer(probe MuxerProber) (containerOption, error) {
	out, err := probe()
	if err != nil {
		return containerOption{}, errors.Wrap(ErrRecorderUnsupported, err, "probe muxers")
	}

	available := parseMuxers(out)
	for _, opt := range containerOptions {
		if available[opt.muxer] {
			return opt, nil
		}
	}
	return containerOption{}, errors.New(ErrRecorderUnsupported, "no supported container muxer available")
}

// parseMuxers reads `ffmpeg -muxers` output. Entries look like
// " E webm  WebM" after a "---" separator line.
func parseMuxers(out string) map[string]bool {
	muxers := make(map[string]bool)
	seenSeparator := false

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if !seenSeparator {
			if strings.HasPrefix(trimmed, "--") {
				seenSeparator = true
			}
			continue
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 2 || !strings.Contains(fields[0], "E") {
			continue
		}
		for name := range strings.SplitSeq(fields[1], ",") {
			muxers[name] = true
		}
	}
	return muxers
}
