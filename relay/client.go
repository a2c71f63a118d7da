package relay

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/signaling"
)

const sendBuffer = 32

// client is one accepted websocket connection. It implements Peer so
// the hub can address it without knowing about websockets.
type client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	logger   *log.Logger
	limiter  *rate.Limiter
	validate *validator.Validate

	sendCh chan *signaling.Message

	closeOnce sync.Once
	stopCh    chan struct{}

	mu     sync.Mutex
	room   string
	joined bool
}

func newClient(hub *Hub, conn *websocket.Conn, validate *validator.Validate, logger *log.Logger) *client {
	return &client{
		id:       uuid.NewString(),
		hub:      hub,
		conn:     conn,
		logger:   logger.Module("client"),
		limiter:  rate.NewLimiter(rate.Limit(hub.cfg.MsgRate), hub.cfg.MsgBurst),
		validate: validate,
		sendCh:   make(chan *signaling.Message, sendBuffer),
		stopCh:   make(chan struct{}),
	}
}

func (c *client) ID() string {
	return c.id
}

func (c *client) Deliver(msg *signaling.Message) {
	select {
	case c.sendCh <- msg:
	default:
		messagesDropped.Add(context.Background(), 1)
		c.logger.Warn("slow consumer, kicking", log.String("type", string(msg.Type)))
		c.Kick("send buffer full")
	}
}

func (c *client) Kick(reason string) {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.conn.Close(websocket.StatusPolicyViolation, reason)
	})
}

// serve blocks until the connection drops or the peer is kicked.
func (c *client) serve(ctx context.Context) {
	connectionsTotal.Add(ctx, 1)
	connectionsActive.Add(ctx, 1)
	defer connectionsActive.Add(context.Background(), -1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readLoop(ctx)

	c.mu.Lock()
	room, joined := c.room, c.joined
	c.mu.Unlock()
	if joined {
		c.hub.Leave(room, c)
	}

	cancel()
	c.closeOnce.Do(func() {
		c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	wg.Wait()
}

func (c *client) readLoop(ctx context.Context) {
	for {
		var msg signaling.Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			c.logger.Debug("read ended", log.Error(err))
			return
		}

		if !c.limiter.Allow() {
			messagesDropped.Add(ctx, 1)
			c.logger.Warn("rate limit exceeded, dropping", log.String("type", string(msg.Type)))
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *client) handleMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.KindPing:
		c.Deliver(&signaling.Message{Type: signaling.KindPong})
	case signaling.KindJoin:
		c.handleJoin(msg)
	case signaling.KindReady, signaling.KindOffer, signaling.KindAnswer, signaling.KindICECandidate:
		// ready is client-originated too: each side announces once its
		// camera is up, and the other party acts on it
		c.handleForward(msg)
	default:
		c.logger.Warn("unexpected message", log.String("type", string(msg.Type)))
	}
}

func (c *client) handleJoin(msg *signaling.Message) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if joined {
		// a reconnecting party replays its join; nothing to do while
		// the previous registration is still live
		return
	}

	msg.Room = signaling.NormalizeRoomCode(msg.Room)
	if err := c.validate.Struct(msg); err != nil {
		c.logger.Warn("invalid join", log.Error(err))
		c.Kick("invalid join message")
		return
	}

	if err := c.hub.Join(msg.Room, msg.Role, c); err != nil {
		c.logger.Warn("join rejected", log.String("room", msg.Room), log.Error(err))
		c.Kick(err.Error())
		return
	}

	c.mu.Lock()
	c.room = msg.Room
	c.joined = true
	c.mu.Unlock()
}

func (c *client) handleForward(msg *signaling.Message) {
	c.mu.Lock()
	room, joined := c.room, c.joined
	c.mu.Unlock()
	if !joined {
		c.logger.Warn("forward before join", log.String("type", string(msg.Type)))
		return
	}

	if err := c.hub.Forward(room, c, msg); err != nil {
		c.logger.Debug("forward failed", log.Error(err))
	}
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case msg := <-c.sendCh:
			if err := wsjson.Write(ctx, c.conn, msg); err != nil {
				c.logger.Debug("write failed", log.Error(err))
				return
			}
		}
	}
}
