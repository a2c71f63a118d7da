package session

import (
	"sync"

	"github.com/pion/rtp"
)

// statsCounter accumulates RTP observations for one remote track.
// Frames are counted on the marker bit; loss from sequence gaps.
type statsCounter struct {
	mu      sync.Mutex
	frames  int
	packets int
	lost    int
	lastSeq uint16
	hasSeq  bool
}

func (c *statsCounter) observe(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packets++
	if c.hasSeq {
		// uint16 wraparound arithmetic; a huge gap means reordering,
		// not loss, and is ignored
		gap := pkt.SequenceNumber - c.lastSeq
		if gap > 1 && gap < 1<<14 {
			c.lost += int(gap - 1)
		}
	}
	c.lastSeq = pkt.SequenceNumber
	c.hasSeq = true

	if pkt.Marker {
		c.frames++
	}
}

// sample returns the counts since the previous sample and resets them.
func (c *statsCounter) sample() (frames, packets, lost int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames, packets, lost = c.frames, c.packets, c.lost
	c.frames, c.packets, c.lost = 0, 0, 0
	return
}

// classifyQuality buckets fps and loss percentage.
func classifyQuality(fps, lossPct float64) Quality {
	switch {
	case fps < 15 || lossPct > 50:
		return QualityPoor
	case fps >= 25:
		return QualityHD
	default:
		return QualityGood
	}
}
