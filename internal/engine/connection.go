package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/event"
	"market_engine/internal/infra"

	"github.com/google/uuid"
)

const (
	frameBuffer      = 256
	lifecycleTimeout = 5 * time.Second
)

var (
	errTradeOverflow  = errors.New("trade buffer overflow")
	errSnapshotFailed = errors.New("snapshot fetch failed")
)

// ConnOptions bounds per-connection buffers.
type ConnOptions struct {
	TradeBufferLimit int
	PendingDiffLimit int
}

// DefaultConnOptions matches the shipped configuration.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{TradeBufferLimit: 10_000, PendingDiffLimit: 4096}
}

// streamHandler folds decoded frames of one session into events.
type streamHandler interface {
	reset()
	// handle returns true when the frame produced a consumer-visible update.
	handle(f domain.Frame) (bool, error)
	release()
}

// Connection owns the websocket session of one stream and reconnects it until
// Disconnect. It is a two-state machine: every session starts Disconnected,
// becomes Connected once dialed and subscribed, and any error ends the
// session. Errors wrapping domain.ErrResync rebuild silently; all others
// emit Disconnected.
type Connection struct {
	stream  domain.StreamKind
	adapter domain.MarketAdapter
	dialect domain.StreamDialect
	inbox   chan<- event.Event
	metrics *infra.Metrics
	handler streamHandler

	seq       uint64
	announced bool
	connected atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewConnection builds the connection for stream; nothing runs until Connect.
func NewConnection(stream domain.StreamKind, adapter domain.MarketAdapter, inbox chan<- event.Event, opts ConnOptions, m *infra.Metrics) *Connection {
	if m == nil {
		m = infra.GlobalMetrics
	}
	c := &Connection{
		stream:  stream,
		adapter: adapter,
		dialect: adapter.Dialect(),
		inbox:   inbox,
		metrics: m,
		logger:  slog.Default().With("module", "connection", "stream", stream.String()),
	}
	switch stream.Type {
	case domain.StreamKline:
		c.handler = &klineHandler{conn: c}
	default:
		c.handler = newDepthHandler(c, opts)
	}
	return c
}

// Stream returns the stream this connection serves.
func (c *Connection) Stream() domain.StreamKind { return c.stream }

// Connect starts the connection loop.
func (c *Connection) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Disconnect stops the loop and waits until the session and its buffers are
// released.
func (c *Connection) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// IsConnected reports whether a session is currently live.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

func (c *Connection) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.handler.release()

	retryCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		productive, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if productive {
			retryCount = 0
		}

		if errors.Is(err, domain.ErrResync) {
			reason := resyncReason(err)
			c.metrics.RecordResync(c.stream.Exchange().String(), reason)
			c.logger.Info("Resync", slog.String("reason", reason), slog.Any("error", err))
		} else {
			c.metrics.RecordDisconnect(c.stream.Exchange().String())
			c.logger.Warn("Session lost", slog.Any("error", err), slog.Int("retry", retryCount))
			c.emitDisconnected(ctx, err)
		}
		if isFatal(err) {
			c.logger.Error("Giving up on stream", slog.Any("error", err))
			return
		}

		// First retry is immediate; consecutive unproductive sessions back off.
		if retryCount > 0 {
			delay := infra.CalculateBackoff(retryCount - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		retryCount++
	}
}

// isFatal reports errors that retrying cannot fix, such as a refused handshake.
// Resyncs always retry.
func isFatal(err error) bool {
	if errors.Is(err, domain.ErrResync) {
		return false
	}
	var re domain.RetriableError
	return errors.As(err, &re) && !domain.IsRetriable(err)
}

type readResult struct {
	payload []byte
	err     error
}

// runSession dials, subscribes and pumps frames until an error ends it.
// The loop suspends only on the next frame, the snapshot result, the
// keepalive tick and cancellation.
func (c *Connection) runSession(ctx context.Context) (productive bool, err error) {
	sessionID := uuid.NewString()
	log := c.logger.With("session", sessionID)
	c.handler.reset()

	ws, err := infra.DialWS(ctx, c.dialect.StreamURL(c.stream), c.dialect.ReadTimeout(c.stream))
	if err != nil {
		return false, err
	}

	sctx, cancel := context.WithCancel(ctx)
	var readers sync.WaitGroup
	defer func() {
		cancel()
		ws.Close()
		readers.Wait()
		if c.connected.Swap(false) {
			c.metrics.DecrementConnections()
		}
	}()

	for _, frame := range c.dialect.SubscribeFrames(c.stream) {
		if err := ws.Write(sctx, frame); err != nil {
			return false, domain.NewNetworkError("subscribe", err)
		}
	}

	c.connected.Store(true)
	c.metrics.IncrementConnections()
	log.Info("Connected")
	c.emitConnected(ctx)

	frames := make(chan readResult, frameBuffer)
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			msg, err := ws.Read()
			select {
			case frames <- readResult{payload: msg, err: err}:
			case <-sctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var snapshots chan snapshotResult
	if c.stream.Type == domain.StreamDepthAndTrades && !c.dialect.SnapshotInStream(c.stream) {
		snapshots = make(chan snapshotResult, 1)
		readers.Add(1)
		go func() {
			defer readers.Done()
			snap, err := c.adapter.FetchDepthSnapshot(sctx, c.stream.Ticker)
			snapshots <- snapshotResult{snap: snap, err: err}
		}()
	}

	var keepalive <-chan time.Time
	interval, ping := c.dialect.KeepAlive(c.stream)
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return productive, ctx.Err()

		case r := <-frames:
			if r.err != nil {
				if infra.IsUnexpectedClose(r.err) {
					return productive, domain.NewNetworkError("close", r.err)
				}
				return productive, domain.NewNetworkError("read", r.err)
			}
			frame, err := c.dialect.ParseFrame(c.stream, r.payload)
			if err != nil {
				return productive, fmt.Errorf("parse: %w", err)
			}
			updated, err := c.handler.handle(frame)
			if err != nil {
				return productive, fmt.Errorf("%w: %w", domain.ErrResync, err)
			}
			productive = productive || updated

		case res := <-snapshots:
			snapshots = nil
			if res.err != nil {
				return productive, fmt.Errorf("%w: %w: %w", domain.ErrResync, errSnapshotFailed, res.err)
			}
			log.Debug("Snapshot received", slog.Uint64("last_update_id", res.snap.LastUpdateID))
			updated, err := c.handler.handle(domain.Frame{Kind: domain.FrameSnapshot, Snapshot: res.snap})
			if err != nil {
				return productive, fmt.Errorf("%w: %w", domain.ErrResync, err)
			}
			productive = productive || updated

		case <-keepalive:
			var err error
			if len(ping) == 0 {
				err = ws.Ping()
			} else {
				err = ws.Write(sctx, ping)
			}
			if err != nil {
				return productive, domain.NewNetworkError("ping", err)
			}
		}
	}
}

type snapshotResult struct {
	snap domain.DepthSnapshot
	err  error
}

func (c *Connection) nextBase(ts int64) event.BaseEvent {
	return event.BaseEvent{Seq: c.seq + 1, Ts: ts, Stream: c.stream}
}

// emit hands ev to the consumer without blocking; a full inbox drops it.
func (c *Connection) emit(ev event.Event) bool {
	select {
	case c.inbox <- ev:
		c.seq++
		return true
	default:
		c.metrics.RecordDrop()
		return false
	}
}

// emitLifecycle blocks briefly: lifecycle events are rare and must not be lost.
func (c *Connection) emitLifecycle(ctx context.Context, ev event.Event) bool {
	timer := time.NewTimer(lifecycleTimeout)
	defer timer.Stop()
	select {
	case c.inbox <- ev:
		c.seq++
		return true
	case <-ctx.Done():
	case <-timer.C:
		c.metrics.RecordDrop()
	}
	return false
}

func (c *Connection) emitConnected(ctx context.Context) {
	if c.announced {
		return
	}
	ev := &event.Connected{BaseEvent: c.nextBase(time.Now().UnixMilli()), Exchange: c.stream.Exchange()}
	if c.emitLifecycle(ctx, ev) {
		c.announced = true
	}
}

func (c *Connection) emitDisconnected(ctx context.Context, cause error) {
	if !c.announced {
		return
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	ev := &event.Disconnected{
		BaseEvent: c.nextBase(time.Now().UnixMilli()),
		Exchange:  c.stream.Exchange(),
		Reason:    reason,
	}
	if c.emitLifecycle(ctx, ev) {
		c.announced = false
	}
}

// depthHandler reconstructs the book and couples trades to accepted diffs.
type depthHandler struct {
	conn       *Connection
	sync       *BookSync
	trades     *event.TradeBatch
	tradeLimit int
}

func newDepthHandler(c *Connection, opts ConnOptions) *depthHandler {
	if opts.TradeBufferLimit <= 0 || opts.PendingDiffLimit <= 0 {
		opts = DefaultConnOptions()
	}
	return &depthHandler{
		conn:       c,
		sync:       NewBookSync(opts.PendingDiffLimit),
		trades:     event.AcquireTradeBatch(),
		tradeLimit: opts.TradeBufferLimit,
	}
}

// reset drops the book. Buffered trades survive a resync: they are real
// executions and are delivered with the next accepted diff.
func (h *depthHandler) reset() {
	h.sync.Reset()
}

func (h *depthHandler) handle(f domain.Frame) (bool, error) {
	switch f.Kind {
	case domain.FrameTrades:
		if h.trades.Len()+len(f.Trades) > h.tradeLimit {
			h.conn.logger.Warn("Dropping buffered trades", slog.Int("count", h.trades.Len()))
			h.trades.Trades = h.trades.Trades[:0]
			return false, errTradeOverflow
		}
		h.trades.Trades = append(h.trades.Trades, f.Trades...)
		return false, nil

	case domain.FrameSnapshot:
		applied, err := h.sync.ApplySnapshot(f.Snapshot)
		if err != nil {
			return false, err
		}
		if applied > 0 {
			h.flush(h.sync.LastUpdateTime())
			return true, nil
		}
		return false, nil

	case domain.FrameDiff:
		res, err := h.sync.ApplyDiff(f.Diff)
		if err != nil {
			return false, err
		}
		if res != DiffApplied {
			return false, nil
		}
		h.flush(h.sync.LastUpdateTime())
		return true, nil

	default:
		return false, nil
	}
}

// flush emits the book with every trade buffered since the last flush. When
// the inbox is full the trades stay buffered for the next accepted diff.
func (h *depthHandler) flush(ts int64) {
	ev := &event.DepthReceived{
		BaseEvent: h.conn.nextBase(ts),
		Depth:     h.sync.Book().Clone(),
		Trades:    h.trades,
	}
	if h.conn.emit(ev) {
		h.trades = event.AcquireTradeBatch()
	}
}

func (h *depthHandler) release() {
	event.ReleaseTradeBatch(h.trades)
	h.trades = nil
	h.sync.Reset()
}

// klineHandler forwards candles as they arrive.
type klineHandler struct {
	conn *Connection
}

func (h *klineHandler) reset() {}

func (h *klineHandler) handle(f domain.Frame) (bool, error) {
	if f.Kind != domain.FrameKline {
		return false, nil
	}
	for _, k := range f.Klines {
		h.conn.emit(&event.KlineReceived{BaseEvent: h.conn.nextBase(k.Time), Kline: k})
	}
	return len(f.Klines) > 0, nil
}

func (h *klineHandler) release() {}
