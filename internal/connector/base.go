package connector

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/events"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/pkg/errs"
	"github.com/pulsefeed/pulsefeed/pkg/models"
)

const (
	defaultBaseDelay    = 2 * time.Second
	defaultMaxAttempts  = 10
	defaultHTTPTimeout  = 10 * time.Second
	defaultKeepalive    = 15 * time.Second
	handshakeTimeout    = 10 * time.Second
	streamReadLimit     = 1 << 20
	keepaliveSlack      = 2 // read deadline = slack × keepalive interval
	maxErrorBodyPreview = 512
)

// VenueConfig configures one connector instance.
type VenueConfig struct {
	WSURL       string
	RESTURL     string
	Symbols     map[string]string // canonical -> venue-native; nil values mean identity
	Policy      ReconnectPolicy
	HTTPTimeout time.Duration
}

// keepaliveSpec describes a venue's keepalive protocol. A nil AppPing means
// protocol-level ping frames; otherwise the payload is sent as a text frame.
type keepaliveSpec struct {
	Interval time.Duration
	AppPing  []byte
}

// venueAdapter is the venue-specific half of a connector: stream target
// construction, frame demultiplexing and keepalive shape.
type venueAdapter interface {
	name() string
	streamURL(natives []string) string
	subscribeFrames(natives []string) [][]byte
	handleFrame(data []byte, sink frameSink) error
	keepalive() keepaliveSpec
}

// frameSink receives canonical events decoded from venue frames.
type frameSink interface {
	emitTick(models.Tick)
	emitTrade(models.Trade)
	canonical(native string) string
}

// wsConn is the subset of *websocket.Conn the base uses; tests inject fakes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// base carries the venue-independent connector machinery: subscription set,
// state machine, single-flight reconnect loop and listener fan-out.
type base struct {
	adapter venueAdapter
	logger  *zap.Logger
	metrics *metrics.Metrics
	policy  ReconnectPolicy
	alias   map[string]string // canonical -> native
	rev     map[string]string // native -> canonical
	dial    dialFunc

	mu       sync.Mutex
	subs     map[string]struct{} // canonical symbols
	conn     wsConn
	connStop chan struct{}
	attempts int
	closed   bool

	state        atomic.Int32
	reconnecting atomic.Bool

	ticks  *events.Registry[models.Tick]
	trades *events.Registry[models.Trade]
	states *events.Registry[State]
}

func newBase(adapter venueAdapter, cfg VenueConfig, logger *zap.Logger, m *metrics.Metrics) *base {
	policy := cfg.Policy
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	alias := make(map[string]string, len(cfg.Symbols))
	rev := make(map[string]string, len(cfg.Symbols))
	for canonical, native := range cfg.Symbols {
		if native == "" {
			native = canonical
		}
		alias[canonical] = native
		rev[native] = canonical
	}
	return &base{
		adapter: adapter,
		logger:  logger.With(zap.String("venue", adapter.name())),
		metrics: m,
		policy:  policy,
		alias:   alias,
		rev:     rev,
		dial:    gorillaDial,
		subs:    make(map[string]struct{}),
		ticks:   events.NewRegistry[models.Tick](),
		trades:  events.NewRegistry[models.Trade](),
		states:  events.NewRegistry[State](),
	}
}

func (b *base) Venue() string { return b.adapter.name() }

func (b *base) State() State { return State(b.state.Load()) }

func (b *base) setState(s State) {
	old := State(b.state.Swap(int32(s)))
	if old == s {
		return
	}
	if b.metrics != nil {
		b.metrics.ConnectorState.WithLabelValues(b.adapter.name()).Set(float64(s))
	}
	b.states.Emit(b.logger, s)
}

// Connect opens the stream for the current subscription set. Connecting
// while a stream is live is a no-op; subscription changes go through
// resetStream.
func (b *base) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.Connectionf("connector closed")
	}
	alreadyLive := b.conn != nil
	b.mu.Unlock()
	if alreadyLive || b.State() == StateConnected || b.reconnecting.Load() {
		return nil
	}
	if err := b.openStream(ctx); err != nil {
		b.triggerReconnect()
		return err
	}
	return nil
}

// openStream dials the venue using the current subscription set, sends the
// subscribe frames and starts the read and keepalive loops. A successful
// open resets the reconnect counter.
func (b *base) openStream(ctx context.Context) error {
	b.mu.Lock()
	natives := b.nativesLocked()
	b.mu.Unlock()

	b.setState(StateConnecting)
	url := b.adapter.streamURL(natives)
	conn, err := b.dial(ctx, url)
	if err != nil {
		return errs.Connectionf("dial %s: %v", url, err)
	}

	for _, frame := range b.adapter.subscribeFrames(natives) {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			return errs.Connectionf("subscribe frame: %v", err)
		}
	}

	ka := b.adapter.keepalive()
	if ka.Interval <= 0 {
		ka.Interval = defaultKeepalive
	}
	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(keepaliveSlack * ka.Interval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(keepaliveSlack * ka.Interval))
	})

	stop := make(chan struct{})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return errs.Connectionf("connector closed")
	}
	b.conn = conn
	b.connStop = stop
	b.attempts = 0
	b.mu.Unlock()

	b.setState(StateConnected)
	b.logger.Info("stream connected", zap.Int("symbols", len(natives)))

	go b.readLoop(conn, stop, ka)
	go b.pingLoop(conn, stop, ka)
	return nil
}

// readLoop demultiplexes frames until the connection drops. A malformed
// frame is logged and dropped, never fatal; a read error converges on the
// single reconnect path.
func (b *base) readLoop(conn wsConn, stop chan struct{}, ka keepaliveSpec) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return // deliberate teardown
			default:
			}
			b.logger.Warn("stream read failed", zap.Error(err))
			b.triggerReconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(keepaliveSlack * ka.Interval))
		if err := b.adapter.handleFrame(data, b); err != nil {
			b.logger.Warn("dropping malformed frame", zap.Error(err))
			if b.metrics != nil {
				b.metrics.FramesDropped.WithLabelValues(b.adapter.name()).Inc()
			}
		}
	}
}

// pingLoop sends venue keepalives. A failed write follows the same
// reconnect path as a closed socket.
func (b *base) pingLoop(conn wsConn, stop chan struct{}, ka keepaliveSpec) {
	ticker := time.NewTicker(ka.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var err error
			if ka.AppPing != nil {
				err = conn.WriteMessage(websocket.TextMessage, ka.AppPing)
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			if err != nil {
				select {
				case <-stop:
					return
				default:
				}
				b.logger.Warn("keepalive failed", zap.Error(err))
				b.triggerReconnect()
				return
			}
		}
	}
}

// triggerReconnect starts the reconnect loop exactly once; the socket-close
// and keepalive-miss paths both land here and the flag guarantees a single
// in-flight attempt.
func (b *base) triggerReconnect() {
	if !b.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go b.reconnectLoop()
}

func (b *base) reconnectLoop() {
	defer b.reconnecting.Store(false)
	b.closeCurrent()
	b.setState(StateReconnecting)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.attempts++
		attempt := b.attempts
		b.mu.Unlock()

		if b.policy.Exhausted(attempt) {
			b.setState(StateFailed)
			b.logger.Error("reconnect attempts exhausted",
				zap.Int("max_attempts", b.policy.MaxAttempts))
			return
		}

		delay := b.policy.Delay(attempt)
		b.logger.Info("scheduling reconnect",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		if b.metrics != nil {
			b.metrics.Reconnects.WithLabelValues(b.adapter.name()).Inc()
		}
		if err := b.openStream(context.Background()); err != nil {
			b.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			b.setState(StateReconnecting)
			continue
		}
		return
	}
}

// closeCurrent tears down the live connection without touching the
// subscription set.
func (b *base) closeCurrent() {
	b.mu.Lock()
	conn, stop := b.conn, b.connStop
	b.conn, b.connStop = nil, nil
	b.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
}

// Subscribe adds one symbol. While connected this costs a full
// disconnect+reconnect; prefer SubscribeBatch for several symbols.
func (b *base) Subscribe(ctx context.Context, symbol string) error {
	return b.SubscribeBatch(ctx, []string{symbol})
}

// SubscribeBatch adds N symbols with at most one stream rebuild.
func (b *base) SubscribeBatch(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	changed := false
	for _, s := range symbols {
		if _, ok := b.subs[s]; !ok {
			b.subs[s] = struct{}{}
			changed = true
		}
	}
	b.mu.Unlock()
	if !changed || b.State() != StateConnected {
		return nil
	}
	return b.resetStream(ctx)
}

// Unsubscribe removes a symbol; while connected the stream is rebuilt, or
// closed when no subscriptions remain.
func (b *base) Unsubscribe(ctx context.Context, symbol string) error {
	b.mu.Lock()
	if _, ok := b.subs[symbol]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, symbol)
	remaining := len(b.subs)
	b.mu.Unlock()

	if b.State() != StateConnected {
		return nil
	}
	if remaining == 0 {
		b.closeCurrent()
		b.setState(StateDisconnected)
		return nil
	}
	return b.resetStream(ctx)
}

// resetStream is the deliberate subscription-change rebuild: one
// disconnect+connect, outside the failure backoff schedule. If a failure
// reconnect is already in flight it will pick up the new set itself.
func (b *base) resetStream(ctx context.Context) error {
	if b.reconnecting.Load() {
		return nil
	}
	b.closeCurrent()
	if b.metrics != nil {
		b.metrics.Reconnects.WithLabelValues(b.adapter.name()).Inc()
	}
	return b.openStream(ctx)
}

// Symbols returns the tracked canonical symbols, sorted.
func (b *base) Symbols() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close stops the connector permanently.
func (b *base) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.closeCurrent()
	b.setState(StateDisconnected)
	return nil
}

func (b *base) OnTick(fn func(models.Tick)) func()   { return b.ticks.Add(fn) }
func (b *base) OnTrade(fn func(models.Trade)) func() { return b.trades.Add(fn) }
func (b *base) OnStateChange(fn func(State)) func()  { return b.states.Add(fn) }

func (b *base) emitTick(t models.Tick)   { b.ticks.Emit(b.logger, t) }
func (b *base) emitTrade(t models.Trade) { b.trades.Emit(b.logger, t) }

// nativesLocked maps the subscription set to venue-native symbols. Caller
// holds b.mu.
func (b *base) nativesLocked() []string {
	out := make([]string, 0, len(b.subs))
	for canonical := range b.subs {
		if native, ok := b.alias[canonical]; ok {
			out = append(out, native)
		} else {
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

// nativeFor maps a canonical symbol to the venue-native one.
func (b *base) nativeFor(canonical string) string {
	if native, ok := b.alias[canonical]; ok {
		return native
	}
	return canonical
}

// canonical maps a venue-native symbol back to its canonical form.
func (b *base) canonical(native string) string {
	if c, ok := b.rev[native]; ok {
		return c
	}
	return native
}

func (b *base) httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
