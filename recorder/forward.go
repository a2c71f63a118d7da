package recorder

import (
	"fmt"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/pairwave/peercall/internal/log"
)

const (
	rtpMTU          = 1200
	videoClockRate  = 90000
	audioClockRate  = 48000
	ssrcRemoteVideo = 0xbee00001
	ssrcRemoteAudio = 0xbee00002
	ssrcLocalVideo  = 0xbee00003
	ssrcLocalAudio  = 0xbee00004
)

// forwarder fans the four media streams out to the compositor's UDP
// ports. Remote streams arrive as RTP and are re-stamped onto fixed
// payload types; local streams arrive as encoded samples and are
// packetized here.
type forwarder struct {
	remoteVideo net.Conn
	remoteAudio net.Conn
	localVideo  net.Conn
	localAudio  net.Conn

	videoPacketizer rtp.Packetizer
	audioPacketizer rtp.Packetizer

	logger *log.Logger
}

func newForwarder(ports streamPorts, logger *log.Logger) (*forwarder, error) {
	f := &forwarder{logger: logger.Module("forward")}

	var err error
	if f.remoteVideo, err = dialLocal(ports.remoteVideo); err != nil {
		return nil, err
	}
	if f.remoteAudio, err = dialLocal(ports.remoteAudio); err != nil {
		f.close()
		return nil, err
	}
	if f.localVideo, err = dialLocal(ports.localVideo); err != nil {
		f.close()
		return nil, err
	}
	if f.localAudio, err = dialLocal(ports.localAudio); err != nil {
		f.close()
		return nil, err
	}

	f.videoPacketizer = rtp.NewPacketizer(
		rtpMTU, ptLocalVideo, ssrcLocalVideo,
		&codecs.VP8Payloader{}, rtp.NewRandomSequencer(), videoClockRate)
	f.audioPacketizer = rtp.NewPacketizer(
		rtpMTU, ptLocalAudio, ssrcLocalAudio,
		&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), audioClockRate)

	return f, nil
}

func dialLocal(port int) (net.Conn, error) {
	return net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
}

func (f *forwarder) RemoteVideoRTP(pkt *rtp.Packet) {
	f.relay(pkt, ptRemoteVideo, ssrcRemoteVideo, f.remoteVideo)
}

func (f *forwarder) RemoteAudioRTP(pkt *rtp.Packet) {
	f.relay(pkt, ptRemoteAudio, ssrcRemoteAudio, f.remoteAudio)
}

// relay rewrites payload type and SSRC so the stream matches the
// generated SDP, leaving timestamps and sequence numbers untouched.
func (f *forwarder) relay(pkt *rtp.Packet, pt uint8, ssrc uint32, conn net.Conn) {
	clone := *pkt
	clone.PayloadType = pt
	clone.SSRC = ssrc

	data, err := clone.Marshal()
	if err != nil {
		f.logger.Debug("rtp marshal failed", log.Error(err))
		return
	}
	if _, err := conn.Write(data); err != nil {
		f.logger.Debug("rtp relay failed", log.Error(err))
	}
}

func (f *forwarder) LocalVideoSample(sample media.Sample) {
	samples := uint32(sample.Duration.Seconds() * videoClockRate)
	f.packetize(f.videoPacketizer, sample.Data, samples, f.localVideo)
}

func (f *forwarder) LocalAudioSample(sample media.Sample) {
	samples := uint32(sample.Duration.Seconds() * audioClockRate)
	f.packetize(f.audioPacketizer, sample.Data, samples, f.localAudio)
}

func (f *forwarder) packetize(p rtp.Packetizer, payload []byte, samples uint32, conn net.Conn) {
	for _, pkt := range p.Packetize(payload, samples) {
		data, err := pkt.Marshal()
		if err != nil {
			f.logger.Debug("rtp marshal failed", log.Error(err))
			continue
		}
		if _, err := conn.Write(data); err != nil {
			f.logger.Debug("rtp forward failed", log.Error(err))
			return
		}
	}
}

func (f *forwarder) close() {
	for _, conn := range []net.Conn{f.remoteVideo, f.remoteAudio, f.localVideo, f.localAudio} {
		if conn != nil {
			_ = conn.Close()
		}
	}
}
