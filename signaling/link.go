package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pairwave/peercall/internal/errors"
	"github.com/pairwave/peercall/internal/log"
)

const (
	ErrLinkExhausted    errors.Code = "link_exhausted"
	ErrLinkClosed       errors.Code = "link_closed"
	ErrHeartbeatTimeout errors.Code = "heartbeat_timeout"
)

// LinkState is independent of the media transport state. The signaling
// channel and the peer connection have decoupled lifecycles.
type LinkState string

const (
	LinkConnecting   LinkState = "connecting"
	LinkOpen         LinkState = "open"
	LinkReconnecting LinkState = "reconnecting"
	LinkClosed       LinkState = "closed"
)

type EventKind string

const (
	EventState   EventKind = "state"
	EventMessage EventKind = "message"
	EventFatal   EventKind = "fatal"
)

// Event is the single typed stream a Link exposes. Exactly one field
// beyond Kind is meaningful per kind.
type Event struct {
	Kind    EventKind
	State   LinkState
	Message *Message
	Err     error
}

// Conn is the minimal JSON message channel the Link drives. The
// production implementation sits on a websocket; tests script their own.
type Conn interface {
	Read(ctx context.Context, v any) error
	Write(ctx context.Context, v any) error
	Close() error
}

type Dialer func(ctx context.Context, endpoint string) (Conn, error)

type LinkConfig struct {
	Endpoint          string        `mapstructure:"endpoint" validate:"required"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

func SetupLink(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".endpoint", "ws://localhost:8080/ws")
	v.SetDefault(prefix+".heartbeat_interval", 10*time.Second)
	v.SetDefault(prefix+".backoff_base", time.Second)
	v.SetDefault(prefix+".backoff_cap", 10*time.Second)
	v.SetDefault(prefix+".max_attempts", 10)
	v.SetDefault(prefix+".send_buffer", 16)
}

const (
	writeTimeout = 3 * time.Second
	// forced close when no pong arrives within this many heartbeat intervals
	pongTimeoutFactor = 3
	eventBuffer       = 32
)

// Link maintains one bidirectional message channel to the relay and
// owns the reconnect and heartbeat policy. A dropped or half-open
// socket is rebuilt with capped exponential backoff; the join intent is
// replayed on every reopen so the relay re-registers the party.
type Link struct {
	cfg    LinkConfig
	room   string
	role   Role
	logger *log.Logger
	clock  clockwork.Clock
	dial   Dialer

	sendCh chan *Message
	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	mu       sync.Mutex
	state    LinkState
	lastPong time.Time
}

func NewLink(cfg LinkConfig, room string, role Role, logger *log.Logger) *Link {
	return newLinkWithDeps(cfg, room, role, logger, clockwork.NewRealClock(), DialWebsocket)
}

func newLinkWithDeps(
	cfg LinkConfig,
	room string,
	role Role,
	logger *log.Logger,
	clock clockwork.Clock,
	dial Dialer,
) *Link {
	return &Link{
		cfg:    cfg,
		room:   room,
		role:   role,
		logger: logger.Module("link"),
		clock:  clock,
		dial:   dial,
		sendCh: make(chan *Message, cfg.SendBuffer),
		events: make(chan Event, eventBuffer),
		stopCh: make(chan struct{}),
		state:  LinkConnecting,
	}
}

// Events returns the single consumer stream. Heartbeat traffic never
// appears here.
func (l *Link) Events() <-chan Event {
	return l.events
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect starts the supervising loop. Progress is reported through
// Events; the call itself never blocks on the network.
func (l *Link) Connect(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Send enqueues a message for delivery. While the link is not open the
// message is dropped; reconnect replays the join intent so both sides
// re-synchronize without retransmitting stale negotiation traffic.
func (l *Link) Send(msg *Message) {
	if l.State() != LinkOpen {
		l.logger.Debug("send while link not open, dropping", log.String("type", string(msg.Type)))
		return
	}

	select {
	case l.sendCh <- msg:
	default:
		l.logger.Warn("send buffer full, dropping", log.String("type", string(msg.Type)))
	}
}

// Close tears the link down. Safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Link) run(ctx context.Context) {
	defer close(l.events)
	defer l.setState(LinkClosed)

	policy := l.newBackoff()
	attempts := 0

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		l.setState(LinkConnecting)

		opened := false
		conn, err := l.dial(ctx, l.cfg.Endpoint)
		if err == nil {
			err = l.session(ctx, conn, func() {
				// the attempt budget resets only once a session opens;
				// a dial that never completes the join still burns one
				opened = true
				attempts = 0
				policy.Reset()
			})
			if errors.Is(err, ErrLinkClosed) {
				return
			}
			l.logger.Warn("session ended, reconnecting", log.Error(err))
		}

		if !opened {
			attempts++
			l.logger.Warn("connect failed",
				log.Int("attempt", attempts),
				log.Error(err),
			)
			if attempts >= l.cfg.MaxAttempts {
				l.emit(Event{Kind: EventFatal, Err: errors.Wrap(ErrLinkExhausted, err, "connect attempts exhausted")})
				return
			}
		}

		if !l.waitBackoff(ctx, policy.NextBackOff()) {
			return
		}
	}
}

func (l *Link) waitBackoff(ctx context.Context, delay time.Duration) bool {
	l.setState(LinkReconnecting)

	select {
	case <-l.clock.After(delay):
		return true
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// session drives one live connection: join replay, read loop, and the
// single-writer pump carrying both outbound messages and heartbeats.
// opened is called once the join write succeeds and the link is open.
func (l *Link) session(ctx context.Context, conn Conn, opened func()) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	join := &Message{Type: KindJoin, Room: l.room, Role: l.role}
	if err := l.write(sctx, conn, join); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastPong = l.clock.Now()
	l.mu.Unlock()

	l.setState(LinkOpen)
	opened()

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return l.readLoop(gctx, conn)
	})
	g.Go(func() error {
		return l.writePump(gctx, conn)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-l.stopCh:
			return errors.New(ErrLinkClosed, "link closed")
		}
	})
	return g.Wait()
}

func (l *Link) readLoop(ctx context.Context, conn Conn) error {
	for {
		var msg Message
		if err := conn.Read(ctx, &msg); err != nil {
			return err
		}

		switch msg.Type {
		case KindPong:
			l.mu.Lock()
			l.lastPong = l.clock.Now()
			l.mu.Unlock()
		case KindPing:
			l.Send(&Message{Type: KindPong})
		default:
			l.emit(Event{Kind: EventMessage, Message: &msg})
		}
	}
}

func (l *Link) writePump(ctx context.Context, conn Conn) error {
	ticker := l.clock.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			l.mu.Lock()
			silent := l.clock.Now().Sub(l.lastPong)
			l.mu.Unlock()
			if silent > pongTimeoutFactor*l.cfg.HeartbeatInterval {
				return errors.Newf(ErrHeartbeatTimeout, "no pong for %s", silent)
			}
			if err := l.write(ctx, conn, &Message{Type: KindPing}); err != nil {
				return err
			}
		case msg := <-l.sendCh:
			if err := l.write(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func (l *Link) write(ctx context.Context, conn Conn, msg *Message) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, msg)
}

func (l *Link) setState(next LinkState) {
	l.mu.Lock()
	if l.state == next || l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	l.state = next
	l.mu.Unlock()

	l.logger.Info("link state", log.String("state", string(next)))
	l.emit(Event{Kind: EventState, State: next})
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("event stream full, dropping", log.String("kind", string(ev.Kind)))
	}
}

// newBackoff builds the capped exponential policy. Randomization is
// disabled so delays are non-decreasing across consecutive attempts.
func (l *Link) newBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(l.cfg.BackoffBase),
		backoff.WithMaxInterval(l.cfg.BackoffCap),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}
