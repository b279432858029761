package engine

import (
	"context"
	"errors"
	"testing"

	"market_engine/internal/domain"
	"market_engine/internal/event"
	"market_engine/internal/infra"
)

func TestManager_Apply(t *testing.T) {
	url, _ := wsServer(t, hold)
	adapter := &fakeAdapter{dialect: &scriptDialect{url: url, inStream: true, frames: depthFrames()}}
	inbox := make(chan event.Event, 64)
	m := NewManager(context.Background(), map[domain.Venue]domain.MarketAdapter{
		domain.VenueBinance: adapter,
	}, inbox, DefaultConnOptions(), infra.NewMetrics())
	defer m.Stop()

	depth := domain.DepthStream(testTicker)
	kline := domain.KlineStream(testTicker, domain.M1)

	if err := m.Apply(domain.NewUniqueStreams(depth, kline, depth)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.Streams().Len() != 2 {
		t.Fatalf("Streams().Len() = %d, want 2", m.Streams().Len())
	}
	first, ok := m.Connection(depth)
	if !ok {
		t.Fatal("depth connection missing")
	}

	if err := m.Apply(domain.NewUniqueStreams(depth)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := m.Connection(kline); ok {
		t.Error("kline connection survived removal")
	}
	kept, _ := m.Connection(depth)
	if kept != first {
		t.Error("unchanged stream was restarted")
	}
}

func TestManager_MissingAdapter(t *testing.T) {
	m := NewManager(context.Background(), map[domain.Venue]domain.MarketAdapter{},
		make(chan event.Event, 1), DefaultConnOptions(), infra.NewMetrics())
	defer m.Stop()

	bybit := domain.DepthStream(domain.NewTicker(domain.BybitLinear, "BTCUSDT"))
	err := m.Apply(domain.NewUniqueStreams(bybit))
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if _, ok := m.Connection(bybit); ok {
		t.Error("connection created without an adapter")
	}
}

func TestManager_Stop(t *testing.T) {
	url, _ := wsServer(t, hold)
	adapter := &fakeAdapter{dialect: &scriptDialect{url: url, inStream: true, frames: depthFrames()}}
	m := NewManager(context.Background(), map[domain.Venue]domain.MarketAdapter{
		domain.VenueBinance: adapter,
	}, make(chan event.Event, 64), DefaultConnOptions(), infra.NewMetrics())

	depth := domain.DepthStream(testTicker)
	if err := m.Apply(domain.NewUniqueStreams(depth)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	conn, _ := m.Connection(depth)

	m.Stop()
	if conn.IsConnected() {
		t.Error("connection still live after Stop")
	}
	if m.Streams().Len() != 0 {
		t.Error("Stop kept the stream set")
	}
}
