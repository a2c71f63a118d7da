package recorder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pairwave/peercall/internal/errors"
)

const ErrSDPFile errors.Code = "sdp_file"

// rtp payload types the forwarder normalizes every stream to, so the
// generated SDP always matches what arrives on the wire.
const (
	ptRemoteVideo = 96
	ptRemoteAudio = 111
	ptLocalVideo  = 97
	ptLocalAudio  = 112
)

// streamPorts are the four local UDP ports carrying the recording
// input, derived from a configured base.
type streamPorts struct {
	remoteVideo int
	remoteAudio int
	localVideo  int
	localAudio  int
}

func portsFrom(base int) streamPorts {
	return streamPorts{
		remoteVideo: base,
		remoteAudio: base + 2,
		localVideo:  base + 4,
		localAudio:  base + 6,
	}
}

// SDPGenerator writes the session description the compositor reads its
// four RTP streams from.
type SDPGenerator struct {
	sdpDir string
}

func NewSDPGenerator(sdpDir string) *SDPGenerator {
	if sdpDir == "" {
		sdpDir = "/tmp/peercall-sdp"
	}
	return &SDPGenerator{sdpDir: sdpDir}
}

func (sg *SDPGenerator) Generate(room string, ports streamPorts) (string, error) {
	sdpContent := fmt.Sprintf(`v=0
o=- 0 0 IN IP4 127.0.0.1
s=Call Recording - Room %s
c=IN IP4 127.0.0.1
t=0 0
m=video %d RTP/AVP %d
a=rtpmap:%d VP8/90000
m=video %d RTP/AVP %d
a=rtpmap:%d VP8/90000
m=audio %d RTP/AVP %d
a=rtpmap:%d opus/48000/2
m=audio %d RTP/AVP %d
a=rtpmap:%d opus/48000/2
`,
		room,
		ports.remoteVideo, ptRemoteVideo, ptRemoteVideo,
		ports.localVideo, ptLocalVideo, ptLocalVideo,
		ports.remoteAudio, ptRemoteAudio, ptRemoteAudio,
		ports.localAudio, ptLocalAudio, ptLocalAudio,
	)

	if err := os.MkdirAll(sg.sdpDir, 0755); err != nil {
		return "", errors.Wrap(ErrSDPFile, err, "create sdp directory")
	}

	sdpPath := filepath.Join(sg.sdpDir, fmt.Sprintf("%s.sdp", room))
	if err := os.WriteFile(sdpPath, []byte(sdpContent), 0644); err != nil {
		return "", errors.Wrap(ErrSDPFile, err, "write sdp file")
	}

	return sdpPath, nil
}

func (sg *SDPGenerator) Delete(room string) error {
	sdpPath := filepath.Join(sg.sdpDir, fmt.Sprintf("%s.sdp", room))
	err := os.Remove(sdpPath)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrSDPFile, err, "delete sdp file")
	}
	return nil
}
