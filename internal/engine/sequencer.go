package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/event"
	"market_engine/internal/infra"
)

// Consumer receives stream events in order, one at a time, on the sequencer
// goroutine. Trades in a DepthReceived are only valid for the duration of the
// call; the batch returns to the pool afterwards.
type Consumer interface {
	OnDepth(e *event.DepthReceived)
	OnKline(e *event.KlineReceived)
	OnConnected(e *event.Connected)
	OnDisconnected(e *event.Disconnected)
}

// StreamState is the externally readable summary of one stream.
type StreamState struct {
	Stream    string       `json:"stream"`
	Connected bool         `json:"connected"`
	LastSeq   uint64       `json:"last_seq"`
	LastTs    int64        `json:"last_ts"`
	Events    uint64       `json:"events"`
	Gaps      uint64       `json:"gaps"`
	BestBid   domain.Level `json:"best_bid"`
	BestAsk   domain.Level `json:"best_ask"`
	Trades    uint64       `json:"trades"`
}

// Sequencer is the single-threaded event processor between connections and
// the consumer.
type Sequencer struct {
	inbox    chan event.Event
	consumer Consumer
	metrics  *infra.Metrics

	nextSeq map[string]uint64
	streams map[string]*StreamState

	dumpPath string
	mu       sync.RWMutex // guards streams for external reads
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize int, consumer Consumer, m *infra.Metrics) *Sequencer {
	if m == nil {
		m = infra.GlobalMetrics
	}
	return &Sequencer{
		inbox:    make(chan event.Event, inboxSize),
		consumer: consumer,
		metrics:  m,
		nextSeq:  make(map[string]uint64),
		streams:  make(map[string]*StreamState),
		dumpPath: "panic_dump.json",
	}
}

// SetDumpPath sets where DumpState writes on a panic.
func (s *Sequencer) SetDumpPath(path string) {
	s.dumpPath = path
}

// Inbox returns the event channel. Connections send events here.
func (s *Sequencer) Inbox() chan<- event.Event {
	return s.inbox
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started")

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.dumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			s.drain()
			return
		case ev := <-s.inbox:
			s.processEvent(ev)
		}
	}
}

// drain returns pooled buffers of events nobody will consume.
func (s *Sequencer) drain() {
	for {
		select {
		case ev := <-s.inbox:
			if d, ok := ev.(*event.DepthReceived); ok {
				event.ReleaseTradeBatch(d.Trades)
			}
		default:
			return
		}
	}
}

func (s *Sequencer) processEvent(ev event.Event) {
	key := ev.GetStream().String()

	// A connection numbers its events from 1; a restart starts over.
	seq := ev.GetSeq()
	if expected, ok := s.nextSeq[key]; ok && seq != 1 && seq != expected {
		slog.Warn("SEQUENCE_GAP_DETECTED",
			slog.String("stream", key),
			slog.Uint64("expected", expected),
			slog.Uint64("got", seq))
		s.metrics.RecordError()
		s.update(key, func(st *StreamState) { st.Gaps++ })
	}
	s.nextSeq[key] = seq + 1

	switch e := ev.(type) {
	case *event.DepthReceived:
		s.update(key, func(st *StreamState) {
			if bid, ok := e.Depth.BestBid(); ok {
				st.BestBid = bid
			}
			if ask, ok := e.Depth.BestAsk(); ok {
				st.BestAsk = ask
			}
			st.Trades += uint64(e.Trades.Len())
		})
		if s.consumer != nil {
			s.consumer.OnDepth(e)
		}
		event.ReleaseTradeBatch(e.Trades)
		e.Trades = nil
	case *event.KlineReceived:
		if s.consumer != nil {
			s.consumer.OnKline(e)
		}
	case *event.Connected:
		s.update(key, func(st *StreamState) { st.Connected = true })
		if s.consumer != nil {
			s.consumer.OnConnected(e)
		}
	case *event.Disconnected:
		s.update(key, func(st *StreamState) { st.Connected = false })
		if s.consumer != nil {
			s.consumer.OnDisconnected(e)
		}
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
		return
	}

	s.update(key, func(st *StreamState) {
		st.LastSeq = seq
		st.LastTs = ev.GetTs()
		st.Events++
	})
	if ts := ev.GetTs(); ts > 0 {
		s.metrics.RecordEvent(time.Since(time.UnixMilli(ts)).Nanoseconds())
	}
}

func (s *Sequencer) update(key string, fn func(*StreamState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[key]
	if !ok {
		st = &StreamState{Stream: key}
		s.streams[key] = st
	}
	fn(st)
}

// GetStreamState returns a copy of the stream summary (external read).
func (s *Sequencer) GetStreamState(stream domain.StreamKind) (StreamState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[stream.String()]
	if !ok {
		return StreamState{}, false
	}
	return *st, true
}

// Forget drops the summary of a stream that is no longer subscribed.
func (s *Sequencer) Forget(stream domain.StreamKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, stream.String())
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	s.mu.RLock()
	data := struct {
		Streams map[string]*StreamState `json:"streams"`
	}{
		Streams: s.streams,
	}
	b, err := json.MarshalIndent(data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
