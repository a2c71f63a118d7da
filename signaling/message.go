// Package signaling defines the control protocol spoken through the
// rendezvous relay and the client link that carries it. The relay never
// looks past the type and room fields; offers, answers and ICE
// candidates travel as opaque JSON blobs.
package signaling

import (
	"encoding/json"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/pairwave/peercall/internal/errors"
)

const ErrBadRoomCode errors.Code = "bad_room_code"

// Role decides who originates the offer. Fixed for the session lifetime.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Kind tags a Message.
type Kind string

const (
	KindJoin             Kind = "join"
	KindReady            Kind = "ready"
	KindOffer            Kind = "offer"
	KindAnswer           Kind = "answer"
	KindICECandidate     Kind = "ice-candidate"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindPeerDisconnected Kind = "peer-disconnected"
)

// Message is the tagged union exchanged within a room. Payload fields
// are populated per kind; unused fields are omitted on the wire.
type Message struct {
	Type      Kind            `json:"type" validate:"required"`
	Room      string          `json:"room,omitempty" validate:"omitempty,roomcode"`
	Role      Role            `json:"role,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// IsHeartbeat reports whether the message is liveness traffic that must
// never reach the negotiation handler.
func (m *Message) IsHeartbeat() bool {
	return m.Type == KindPing || m.Type == KindPong
}

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const roomCodeLen = 4

var roomCodeRe = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// GenerateRoomCode returns a fresh 4-character uppercase alphanumeric
// room code.
func GenerateRoomCode() string {
	b := make([]byte, roomCodeLen)
	for i := range b {
		b[i] = roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))]
	}
	return string(b)
}

// NormalizeRoomCode uppercases and trims a user-supplied code. Join is
// case-insensitive: "a1b2" and "A1B2" address the same room.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode checks an already-normalized code.
func ValidateRoomCode(code string) error {
	if !roomCodeRe.MatchString(code) {
		return errors.Newf(ErrBadRoomCode, "room code %q is not 4 uppercase alphanumerics", code)
	}
	return nil
}
