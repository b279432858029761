package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/event"
	"market_engine/internal/infra"

	"github.com/gorilla/websocket"
)

// scriptDialect maps raw payloads to prepared frames.
type scriptDialect struct {
	url       string
	inStream  bool
	keepAlive time.Duration
	frames    map[string]domain.Frame
}

func (d *scriptDialect) StreamURL(domain.StreamKind) string                  { return d.url }
func (d *scriptDialect) SubscribeFrames(domain.StreamKind) [][]byte          { return [][]byte{[]byte("sub")} }
func (d *scriptDialect) KeepAlive(domain.StreamKind) (time.Duration, []byte) { return d.keepAlive, nil }
func (d *scriptDialect) ReadTimeout(domain.StreamKind) time.Duration         { return 5 * time.Second }
func (d *scriptDialect) SnapshotInStream(domain.StreamKind) bool             { return d.inStream }

func (d *scriptDialect) ParseFrame(_ domain.StreamKind, payload []byte) (domain.Frame, error) {
	f, ok := d.frames[string(payload)]
	if !ok {
		return domain.Frame{}, domain.ErrMalformed
	}
	return f, nil
}

type fakeAdapter struct {
	dialect   *scriptDialect
	snapshot  domain.DepthSnapshot
	snapErr   error
	snapCalls atomic.Int32
}

func (a *fakeAdapter) Venue() domain.Venue { return domain.VenueBinance }
func (a *fakeAdapter) FetchTickerInfo(context.Context, domain.MarketKind) (map[domain.Ticker]domain.TickerInfo, error) {
	return nil, domain.ErrUnsupported
}
func (a *fakeAdapter) FetchTickerStats(context.Context, domain.MarketKind) (map[domain.Ticker]domain.TickerStats, error) {
	return nil, domain.ErrUnsupported
}
func (a *fakeAdapter) FetchKlines(context.Context, domain.Ticker, domain.Timeframe, *domain.TimeRange) ([]domain.Kline, error) {
	return nil, domain.ErrUnsupported
}
func (a *fakeAdapter) FetchOpenInterest(context.Context, domain.Ticker, domain.Timeframe, *domain.TimeRange) ([]domain.OpenInterest, error) {
	return nil, domain.ErrUnsupported
}
func (a *fakeAdapter) FetchDepthSnapshot(context.Context, domain.Ticker) (domain.DepthSnapshot, error) {
	a.snapCalls.Add(1)
	return a.snapshot, a.snapErr
}
func (a *fakeAdapter) Dialect() domain.StreamDialect { return a.dialect }

// wsServer runs script once per accepted connection; the n-th connection gets
// scripts[n], the last script repeats.
func wsServer(t *testing.T, scripts ...func(*websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := int(accepted.Add(1)) - 1
		if n >= len(scripts) {
			n = len(scripts) - 1
		}
		// Subscribe frame.
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		scripts[n](c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &accepted
}

func send(c *websocket.Conn, payloads ...string) {
	for _, p := range payloads {
		c.WriteMessage(websocket.TextMessage, []byte(p))
	}
}

// hold keeps the server side open until the client goes away.
func hold(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func trades(n int) []domain.Trade {
	out := make([]domain.Trade, n)
	for i := range out {
		out[i] = domain.Trade{Time: int64(i), Price: lvl("100", 0).Price, Qty: 1, Side: domain.SideBuy}
	}
	return out
}

func depthFrames() map[string]domain.Frame {
	return map[string]domain.Frame{
		"t1": {Kind: domain.FrameTrades, Trades: trades(2)},
		"t2": {Kind: domain.FrameTrades, Trades: trades(1)},
		"d1": {Kind: domain.FrameDiff, Diff: diff(995, 1005, 990, []domain.Level{lvl("99", 3)}, nil)},
		"d2": {Kind: domain.FrameDiff, Diff: diff(1006, 1010, 1005, nil, []domain.Level{lvl("101", 0)})},
		"d3": {Kind: domain.FrameDiff, Diff: diff(1011, 1015, 1008, nil, nil)},
		"k1": {Kind: domain.FrameKline, Klines: []domain.Kline{{Time: 60_000, Close: lvl("100", 0).Price}}},
	}
}

func testSnapshot() domain.DepthSnapshot {
	return domain.DepthSnapshot{
		LastUpdateID: 1000,
		Bids:         []domain.Level{lvl("99", 1), lvl("98", 2)},
		Asks:         []domain.Level{lvl("101", 1), lvl("102", 2)},
	}
}

func newTestConn(t *testing.T, kind domain.StreamKind, adapter *fakeAdapter, inbox chan event.Event) *Connection {
	t.Helper()
	c := NewConnection(kind, adapter, inbox, ConnOptions{TradeBufferLimit: 100, PendingDiffLimit: 16}, infra.NewMetrics())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func next(t *testing.T, inbox <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-inbox:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

var testTicker = domain.NewTicker(domain.BinanceLinear, "BTCUSDT")

func TestConnection_DepthWithTrades(t *testing.T) {
	url, _ := wsServer(t, func(c *websocket.Conn) {
		send(c, "t1", "d1", "t2", "d2")
		hold(c)
	})
	adapter := &fakeAdapter{
		dialect:  &scriptDialect{url: url, frames: depthFrames()},
		snapshot: testSnapshot(),
	}
	inbox := make(chan event.Event, 16)
	conn := newTestConn(t, domain.DepthStream(testTicker), adapter, inbox)

	first := next(t, inbox)
	if _, ok := first.(*event.Connected); !ok {
		t.Fatalf("first event = %T, want *event.Connected", first)
	}
	if first.GetSeq() != 1 {
		t.Errorf("first seq = %d, want 1", first.GetSeq())
	}

	// Diffs may be buffered until the snapshot lands, so the split of trades
	// across events varies; the total and the final book do not.
	var (
		total   int
		lastSeq = first.GetSeq()
		book    *domain.Depth
	)
	for total < 3 {
		ev := next(t, inbox)
		d, ok := ev.(*event.DepthReceived)
		if !ok {
			t.Fatalf("event = %T, want *event.DepthReceived", ev)
		}
		if d.GetSeq() != lastSeq+1 {
			t.Errorf("seq = %d, want %d", d.GetSeq(), lastSeq+1)
		}
		lastSeq = d.GetSeq()
		total += d.Trades.Len()
		book = d.Depth
	}
	if total != 3 {
		t.Errorf("trades delivered = %d, want 3", total)
	}

	// d2 may still be in flight after the last trade was delivered.
	deadline := time.After(3 * time.Second)
	for {
		if _, ok := book.Ask(lvl("101", 0).Price); !ok {
			break
		}
		select {
		case ev := <-inbox:
			if d, ok := ev.(*event.DepthReceived); ok {
				book = d.Depth
			}
		case <-deadline:
			t.Fatal("ask 101 was never removed")
		}
	}
	if qty, ok := book.Bid(lvl("99", 0).Price); !ok || qty != 3 {
		t.Errorf("bid 99 = %v, want qty 3", qty)
	}
	if !conn.IsConnected() {
		t.Error("IsConnected() = false on a live session")
	}
}

func TestConnection_GapTriggersResync(t *testing.T) {
	url, accepted := wsServer(t,
		func(c *websocket.Conn) {
			send(c, "d1", "d3")
			hold(c)
		},
		hold,
	)
	adapter := &fakeAdapter{
		dialect:  &scriptDialect{url: url, frames: depthFrames()},
		snapshot: testSnapshot(),
	}
	inbox := make(chan event.Event, 16)
	newTestConn(t, domain.DepthStream(testTicker), adapter, inbox)

	deadline := time.Now().Add(3 * time.Second)
	for accepted.Load() < 2 || adapter.snapCalls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("accepted = %d, snapshots = %d; want a second session", accepted.Load(), adapter.snapCalls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	for {
		select {
		case ev := <-inbox:
			if _, ok := ev.(*event.Disconnected); ok {
				t.Fatal("resync must not emit Disconnected")
			}
		default:
			return
		}
	}
}

func TestConnection_CloseEmitsDisconnected(t *testing.T) {
	url, _ := wsServer(t,
		func(c *websocket.Conn) {
			c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"))
		},
		hold,
	)
	adapter := &fakeAdapter{
		dialect: &scriptDialect{url: url, inStream: true, frames: depthFrames()},
	}
	inbox := make(chan event.Event, 16)
	newTestConn(t, domain.DepthStream(testTicker), adapter, inbox)

	want := []event.Type{event.EvConnected, event.EvDisconnected, event.EvConnected}
	for i, typ := range want {
		ev := next(t, inbox)
		if ev.GetType() != typ {
			t.Fatalf("event %d = %v, want %v", i, ev.GetType(), typ)
		}
		if ev.GetSeq() != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.GetSeq(), i+1)
		}
		if d, ok := ev.(*event.Disconnected); ok {
			if d.Exchange != domain.BinanceLinear {
				t.Errorf("Exchange = %v", d.Exchange)
			}
			if d.Reason == "" {
				t.Error("Disconnected without a reason")
			}
		}
	}
	if adapter.snapCalls.Load() != 0 {
		t.Errorf("in-stream snapshots must not be fetched, got %d calls", adapter.snapCalls.Load())
	}
}

func TestConnection_ParseFailureDisconnects(t *testing.T) {
	url, _ := wsServer(t,
		func(c *websocket.Conn) {
			send(c, "garbage")
			hold(c)
		},
		hold,
	)
	adapter := &fakeAdapter{dialect: &scriptDialect{url: url, inStream: true, frames: depthFrames()}}
	inbox := make(chan event.Event, 16)
	newTestConn(t, domain.DepthStream(testTicker), adapter, inbox)

	next(t, inbox)
	ev := next(t, inbox)
	d, ok := ev.(*event.Disconnected)
	if !ok {
		t.Fatalf("event = %T, want *event.Disconnected", ev)
	}
	if !strings.Contains(d.Reason, "parse") {
		t.Errorf("Reason = %q, want a parse failure", d.Reason)
	}
}

func TestConnection_Kline(t *testing.T) {
	url, _ := wsServer(t, func(c *websocket.Conn) {
		send(c, "k1")
		hold(c)
	})
	adapter := &fakeAdapter{dialect: &scriptDialect{url: url, frames: depthFrames()}}
	inbox := make(chan event.Event, 16)
	newTestConn(t, domain.KlineStream(testTicker, domain.M1), adapter, inbox)

	next(t, inbox)
	ev := next(t, inbox)
	k, ok := ev.(*event.KlineReceived)
	if !ok {
		t.Fatalf("event = %T, want *event.KlineReceived", ev)
	}
	if k.Kline.Time != 60_000 {
		t.Errorf("Kline.Time = %d", k.Kline.Time)
	}
	if k.GetStream().Timeframe != domain.M1 {
		t.Errorf("stream = %v", k.GetStream())
	}
	if adapter.snapCalls.Load() != 0 {
		t.Error("kline streams must not fetch snapshots")
	}
}

func TestConnection_DisconnectStopsLoop(t *testing.T) {
	url, _ := wsServer(t, hold)
	adapter := &fakeAdapter{dialect: &scriptDialect{url: url, inStream: true, frames: depthFrames()}}
	inbox := make(chan event.Event, 16)
	c := NewConnection(domain.DepthStream(testTicker), adapter, inbox, DefaultConnOptions(), infra.NewMetrics())
	c.Connect(context.Background())
	next(t, inbox)

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestConnection_RefusedHandshakeStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	adapter := &fakeAdapter{dialect: &scriptDialect{url: "ws" + strings.TrimPrefix(srv.URL, "http"), frames: depthFrames()}}
	inbox := make(chan event.Event, 4)
	c := newTestConn(t, domain.DepthStream(testTicker), adapter, inbox)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop kept retrying after 403")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("handshake attempts = %d, want 1", got)
	}
	if len(inbox) != 0 {
		t.Errorf("unexpected events before any session: %d", len(inbox))
	}
}

func TestDepthHandler_FullInboxKeepsTrades(t *testing.T) {
	inbox := make(chan event.Event, 1)
	m := infra.NewMetrics()
	c := NewConnection(domain.DepthStream(testTicker), &fakeAdapter{dialect: &scriptDialect{}}, inbox,
		ConnOptions{TradeBufferLimit: 100, PendingDiffLimit: 16}, m)
	h := c.handler.(*depthHandler)
	frames := depthFrames()

	if _, err := h.handle(domain.Frame{Kind: domain.FrameSnapshot, Snapshot: testSnapshot()}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	inbox <- &event.Connected{}

	h.handle(frames["t1"])
	updated, err := h.handle(frames["d1"])
	if err != nil || !updated {
		t.Fatalf("d1: updated=%v err=%v", updated, err)
	}
	if h.trades.Len() != 2 {
		t.Fatalf("buffered trades = %d, want 2 after a dropped emit", h.trades.Len())
	}
	if m.Snapshot().EventsDropped != 1 {
		t.Errorf("EventsDropped = %d, want 1", m.Snapshot().EventsDropped)
	}

	<-inbox
	h.handle(frames["t2"])
	if _, err := h.handle(frames["d2"]); err != nil {
		t.Fatalf("d2: %v", err)
	}
	ev := (<-inbox).(*event.DepthReceived)
	if ev.Trades.Len() != 3 {
		t.Errorf("flushed trades = %d, want 3", ev.Trades.Len())
	}
	if ev.Seq != 1 {
		t.Errorf("Seq = %d, want 1 since the dropped event consumed none", ev.Seq)
	}
	if h.trades.Len() != 0 {
		t.Errorf("buffer not swapped after flush: %d", h.trades.Len())
	}
}

func TestDepthHandler_TradeOverflow(t *testing.T) {
	c := NewConnection(domain.DepthStream(testTicker), &fakeAdapter{dialect: &scriptDialect{}}, make(chan event.Event, 1),
		ConnOptions{TradeBufferLimit: 2, PendingDiffLimit: 16}, infra.NewMetrics())
	h := c.handler.(*depthHandler)

	if _, err := h.handle(domain.Frame{Kind: domain.FrameTrades, Trades: trades(2)}); err != nil {
		t.Fatalf("within limit: %v", err)
	}
	_, err := h.handle(domain.Frame{Kind: domain.FrameTrades, Trades: trades(1)})
	if !errors.Is(err, errTradeOverflow) {
		t.Fatalf("err = %v, want errTradeOverflow", err)
	}
	if h.trades.Len() != 0 {
		t.Errorf("buffer = %d, want cleared", h.trades.Len())
	}
	if resyncReason(err) != "trade_overflow" {
		t.Errorf("reason = %q", resyncReason(err))
	}
}

func TestDepthHandler_ResetKeepsTrades(t *testing.T) {
	c := NewConnection(domain.DepthStream(testTicker), &fakeAdapter{dialect: &scriptDialect{}}, make(chan event.Event, 1),
		DefaultConnOptions(), infra.NewMetrics())
	h := c.handler.(*depthHandler)
	h.handle(domain.Frame{Kind: domain.FrameSnapshot, Snapshot: testSnapshot()})
	h.handle(domain.Frame{Kind: domain.FrameTrades, Trades: trades(2)})

	h.reset()
	if h.sync.HasSnapshot() {
		t.Error("reset kept the snapshot")
	}
	if h.trades.Len() != 2 {
		t.Errorf("trades = %d, want 2 across a resync", h.trades.Len())
	}
}

func TestDepthHandler_ReplayFlushUsesDiffTime(t *testing.T) {
	inbox := make(chan event.Event, 4)
	c := NewConnection(domain.DepthStream(testTicker), &fakeAdapter{dialect: &scriptDialect{}}, inbox,
		DefaultConnOptions(), infra.NewMetrics())
	h := c.handler.(*depthHandler)

	d1 := depthFrames()["d1"]
	d1.Diff.Time = 1_700_000_000_000
	if _, err := h.handle(d1); err != nil {
		t.Fatalf("d1: %v", err)
	}
	updated, err := h.handle(domain.Frame{Kind: domain.FrameSnapshot, Snapshot: testSnapshot()})
	if err != nil || !updated {
		t.Fatalf("snapshot: updated=%v err=%v", updated, err)
	}

	ev := (<-inbox).(*event.DepthReceived)
	if ev.Ts != d1.Diff.Time {
		t.Errorf("Ts = %d, want diff time %d", ev.Ts, d1.Diff.Time)
	}
}

func TestConnection_KeepAliveSendsProtocolPing(t *testing.T) {
	var pings atomic.Int32
	url, _ := wsServer(t, func(c *websocket.Conn) {
		c.SetPingHandler(func(string) error {
			pings.Add(1)
			return nil
		})
		hold(c)
	})
	adapter := &fakeAdapter{dialect: &scriptDialect{url: url, keepAlive: 20 * time.Millisecond, frames: depthFrames()}}
	inbox := make(chan event.Event, 4)
	newTestConn(t, domain.KlineStream(testTicker, domain.M1), adapter, inbox)

	deadline := time.Now().Add(3 * time.Second)
	for pings.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pings = %d, want at least 2", pings.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
