package relay

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
	isync "github.com/pairwave/peercall/internal/sync"
	"github.com/pairwave/peercall/signaling"
)

// Peer is one registered party in a room. The hub delivers without
// blocking; a Peer that cannot keep up is kicked by its own transport.
type Peer interface {
	ID() string
	Deliver(msg *signaling.Message)
	Kick(reason string)
}

type occupant struct {
	peer Peer
	role signaling.Role
}

type room struct {
	code      string
	createdAt time.Time
	occupants []*occupant
}

func (r *room) other(id string) *occupant {
	for _, o := range r.occupants {
		if o.peer.ID() != id {
			return o
		}
	}
	return nil
}

func (r *room) remove(id string) {
	for i, o := range r.occupants {
		if o.peer.ID() == id {
			r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
			return
		}
	}
}

// Hub owns the room registry. Rooms holding a single party are tracked
// in a TTL cache so an initiator whose peer never shows up does not
// leak a room forever.
type Hub struct {
	cfg    Config
	logger *log.Logger
	rooms  *isync.Map[string, *room]

	halfOpen *expirable.LRU[string, Peer]
}

func NewHub(cfg Config, logger *log.Logger) *Hub {
	h := &Hub{
		cfg:    cfg,
		logger: logger.Module("hub"),
		rooms:  isync.NewMap[string, *room](),
	}
	h.halfOpen = expirable.NewLRU(cfg.MaxRooms, h.onExpire, cfg.RoomTTL)
	return h
}

// Join registers a peer under a room code. The first party creates the
// room; the second pairs it, which triggers a ready broadcast so both
// sides may start negotiating.
func (h *Hub) Join(code string, role signaling.Role, p Peer) error {
	var (
		joinErr error
		paired  *room
	)

	h.rooms.WithLock(func(view isync.View[string, *room]) {
		r, ok := view.Get(code)
		if !ok {
			if view.Len() >= h.cfg.MaxRooms {
				joinErr = errors.Newf(ErrTooManyRooms, "room limit %d reached", h.cfg.MaxRooms)
				return
			}
			r = &room{code: code, createdAt: time.Now()}
			view.Set(code, r)
			roomsActive.Add(context.Background(), 1)
		}

		if len(r.occupants) >= 2 {
			joinErr = errors.Newf(ErrRoomFull, "room %s already has two parties", code)
			return
		}

		r.occupants = append(r.occupants, &occupant{peer: p, role: role})
		if len(r.occupants) == 2 {
			paired = r
		}
	})

	if joinErr != nil {
		joinsRejected.Add(context.Background(), 1)
		return joinErr
	}

	if paired == nil {
		h.halfOpen.Add(code, p)
		h.logger.Info("room opened",
			log.String("room", code),
			log.String("role", string(role)),
		)
		return nil
	}

	h.halfOpen.Remove(code)
	h.logger.Info("room paired", log.String("room", code))
	for _, o := range paired.occupants {
		o.peer.Deliver(&signaling.Message{Type: signaling.KindReady, Room: code})
	}
	return nil
}

// Forward relays a negotiation message verbatim to the other party.
func (h *Hub) Forward(code string, from Peer, msg *signaling.Message) error {
	r, ok := h.rooms.Load(code)
	if !ok {
		return errors.Newf(ErrNotInRoom, "room %s not found", code)
	}

	var target *occupant
	h.rooms.WithLock(func(isync.View[string, *room]) {
		target = r.other(from.ID())
	})
	if target == nil {
		return errors.Newf(ErrNotInRoom, "no peer in room %s", code)
	}

	target.peer.Deliver(msg)
	messagesForwarded.Add(context.Background(), 1)
	return nil
}

// Leave removes a peer. The remaining party is told the peer went away;
// an empty room is dropped.
func (h *Hub) Leave(code string, p Peer) {
	var remaining *occupant

	h.rooms.WithLock(func(view isync.View[string, *room]) {
		r, ok := view.Get(code)
		if !ok {
			return
		}
		r.remove(p.ID())
		remaining = r.other(p.ID())
		if len(r.occupants) == 0 {
			view.Delete(code)
			roomsActive.Add(context.Background(), -1)
		}
	})

	if remaining != nil {
		remaining.peer.Deliver(&signaling.Message{Type: signaling.KindPeerDisconnected, Room: code})
	}
	h.logger.Info("peer left", log.String("room", code), log.String("peer", p.ID()))
}

// RoomCount reports live rooms, paired and half-open alike.
func (h *Hub) RoomCount() int {
	return h.rooms.Len()
}

func (h *Hub) onExpire(code string, p Peer) {
	stale := false
	h.rooms.WithLock(func(view isync.View[string, *room]) {
		r, ok := view.Get(code)
		if !ok || len(r.occupants) >= 2 {
			return
		}
		view.Delete(code)
		roomsActive.Add(context.Background(), -1)
		stale = true
	})
	if !stale {
		return
	}

	roomsExpired.Add(context.Background(), 1)
	h.logger.Info("half-open room expired", log.String("room", code))
	p.Kick("room expired before a peer joined")
}
