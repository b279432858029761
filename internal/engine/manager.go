package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"market_engine/internal/domain"
	"market_engine/internal/event"
	"market_engine/internal/infra"
)

// Manager keeps one Connection per subscribed stream.
type Manager struct {
	adapters map[domain.Venue]domain.MarketAdapter
	inbox    chan<- event.Event
	opts     ConnOptions
	metrics  *infra.Metrics

	mu      sync.Mutex
	ctx     context.Context
	current domain.UniqueStreams
	conns   map[domain.StreamKind]*Connection
	logger  *slog.Logger
}

// NewManager creates a manager whose connections live until ctx is done or
// Stop is called.
func NewManager(ctx context.Context, adapters map[domain.Venue]domain.MarketAdapter, inbox chan<- event.Event, opts ConnOptions, m *infra.Metrics) *Manager {
	return &Manager{
		adapters: adapters,
		inbox:    inbox,
		opts:     opts,
		metrics:  m,
		ctx:      ctx,
		current:  domain.NewUniqueStreams(),
		conns:    make(map[domain.StreamKind]*Connection),
		logger:   slog.Default().With("module", "manager"),
	}
}

// Apply reconciles running connections with streams: removed streams are torn
// down before added ones are started. Streams on an exchange without an
// adapter are reported in the error and skipped.
func (m *Manager) Apply(streams domain.UniqueStreams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	added, removed := streams.Diff(m.current)

	for _, kind := range removed {
		if conn, ok := m.conns[kind]; ok {
			conn.Disconnect()
			delete(m.conns, kind)
			m.logger.Info("Stream removed", slog.String("stream", kind.String()))
		}
	}

	var missing []string
	for _, kind := range added {
		adapter, ok := m.adapters[kind.Exchange().Venue()]
		if !ok {
			missing = append(missing, kind.String())
			continue
		}
		conn := NewConnection(kind, adapter, m.inbox, m.opts, m.metrics)
		if err := conn.Connect(m.ctx); err != nil {
			return fmt.Errorf("connect %s: %w", kind, err)
		}
		m.conns[kind] = conn
		m.logger.Info("Stream added", slog.String("stream", kind.String()))
	}

	m.current = streams
	if len(missing) > 0 {
		return fmt.Errorf("%w: no adapter for %v", domain.ErrUnsupported, missing)
	}
	return nil
}

// Streams returns the currently applied set.
func (m *Manager) Streams() domain.UniqueStreams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connection returns the live connection for kind, if any.
func (m *Manager) Connection(kind domain.StreamKind) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[kind]
	return c, ok
}

// Stop disconnects every stream concurrently and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range m.conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Disconnect()
		}(c)
	}
	wg.Wait()
	m.conns = make(map[domain.StreamKind]*Connection)
	m.current = domain.NewUniqueStreams()
}
