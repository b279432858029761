package engine

import (
	"errors"
	"fmt"

	"market_engine/internal/domain"
)

var (
	errCrossedBook     = errors.New("crossed book")
	errPendingOverflow = errors.New("pre-snapshot diff buffer overflow")
	errNotBridging     = errors.New("first diff does not bridge snapshot")
)

// ApplyResult reports what BookSync did with a diff.
type ApplyResult uint8

const (
	DiffApplied ApplyResult = iota + 1
	// DiffDiscarded means the diff is already contained in the snapshot.
	DiffDiscarded
	// DiffBuffered means the diff waits for a snapshot.
	DiffBuffered
)

// BookSync reconstructs one order book from a snapshot and a diff stream.
//
// Before a snapshot, diffs are buffered. After snapshot S, diffs with u <= S
// are dropped, the first applied diff must satisfy U <= S+1 <= u, and every
// later diff must carry pu equal to the previous u. Any violation returns an
// error and leaves the book unusable until Reset.
type BookSync struct {
	book        *domain.Depth
	snapshotID  uint64
	lastID      uint64
	lastTime    int64
	hasSnapshot bool
	bridged     bool
	pending     []domain.DepthDiff
	maxPending  int
}

// NewBookSync creates an empty, unsynced book.
func NewBookSync(maxPending int) *BookSync {
	return &BookSync{book: domain.NewDepth(), maxPending: maxPending}
}

// Reset drops all state.
func (b *BookSync) Reset() {
	b.book = domain.NewDepth()
	b.snapshotID = 0
	b.lastID = 0
	b.lastTime = 0
	b.hasSnapshot = false
	b.bridged = false
	b.pending = b.pending[:0]
}

// Book returns the live book. Callers must not mutate it.
func (b *BookSync) Book() *domain.Depth { return b.book }

// Synced reports whether at least one diff has been applied on the snapshot.
func (b *BookSync) Synced() bool { return b.bridged }

// HasSnapshot reports whether the book has been seeded.
func (b *BookSync) HasSnapshot() bool { return b.hasSnapshot }

// LastUpdateID returns u of the last applied diff, or the snapshot id.
func (b *BookSync) LastUpdateID() uint64 {
	if b.bridged {
		return b.lastID
	}
	return b.snapshotID
}

// LastUpdateTime returns the exchange time of the last applied diff, falling
// back to the snapshot time. Some venues send snapshots without a timestamp.
func (b *BookSync) LastUpdateTime() int64 { return b.lastTime }

// ApplySnapshot seeds the book and replays buffered diffs. It returns how
// many buffered diffs were applied.
func (b *BookSync) ApplySnapshot(s domain.DepthSnapshot) (int, error) {
	b.book.ReplaceAll(s.Bids, s.Asks)
	b.snapshotID = s.LastUpdateID
	b.lastID = 0
	b.lastTime = s.Time
	b.hasSnapshot = true
	b.bridged = false

	pending := b.pending
	b.pending = nil
	applied := 0
	for _, d := range pending {
		res, err := b.ApplyDiff(d)
		if err != nil {
			return applied, err
		}
		if res == DiffApplied {
			applied++
		}
	}
	b.pending = pending[:0]
	return applied, nil
}

// ApplyDiff validates d against the sequence and applies it.
func (b *BookSync) ApplyDiff(d domain.DepthDiff) (ApplyResult, error) {
	if !b.hasSnapshot {
		if len(b.pending) >= b.maxPending {
			return 0, errPendingOverflow
		}
		b.pending = append(b.pending, d)
		return DiffBuffered, nil
	}

	if d.LastID <= b.snapshotID {
		return DiffDiscarded, nil
	}

	if !b.bridged {
		next := b.snapshotID + 1
		if d.FirstID > next || d.LastID < next {
			return 0, fmt.Errorf("%w: snapshot %d, diff [%d, %d]", errNotBridging, b.snapshotID, d.FirstID, d.LastID)
		}
	} else if d.PrevID != b.lastID {
		return 0, &domain.SequenceError{Expected: b.lastID, Got: d.PrevID}
	}

	b.book.Apply(d.Bids, d.Asks)
	b.lastID = d.LastID
	if d.Time > b.lastTime {
		b.lastTime = d.Time
	}
	b.bridged = true

	if b.book.IsCrossed() {
		return 0, errCrossedBook
	}
	return DiffApplied, nil
}

// resyncReason labels a BookSync error for metrics.
func resyncReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, errNotBridging):
		return "not_bridging"
	case errors.Is(err, errCrossedBook):
		return "crossed_book"
	case errors.Is(err, errPendingOverflow):
		return "pending_overflow"
	case errors.Is(err, errTradeOverflow):
		return "trade_overflow"
	case errors.Is(err, errSnapshotFailed):
		return "snapshot_failed"
	default:
		return "other"
	}
}
