package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// tickerInfoRecord is the persisted form of domain.TickerInfo.
type tickerInfoRecord struct {
	Exchange     string `gorm:"primaryKey"`
	Symbol       string `gorm:"primaryKey"`
	TickUnits    int64
	MinQty       float64
	ContractSize float64
	QuoteAsset   string
	ContractType string
	Status       string
	UpdatedAt    time.Time `gorm:"index"`
}

func (tickerInfoRecord) TableName() string { return "ticker_infos" }

// Storage caches instrument metadata in SQLite so restarts skip the
// exchangeInfo round trips.
type Storage struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStorage opens (or creates) the database at path. An empty path uses the
// per-user config directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&tickerInfoRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "MarketEngine", "data", "market_engine.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertTickerInfo creates or refreshes metadata rows, stamping them with the
// current time.
func (s *Storage) UpsertTickerInfo(ctx context.Context, infos []domain.TickerInfo) error {
	if len(infos) == 0 {
		return nil
	}
	now := s.now()
	records := make([]tickerInfoRecord, 0, len(infos))
	for _, info := range infos {
		records = append(records, tickerInfoRecord{
			Exchange:     info.Ticker.Exchange.String(),
			Symbol:       info.Ticker.Symbol,
			TickUnits:    info.TickSize.Units(),
			MinQty:       info.MinQty,
			ContractSize: info.ContractSize,
			QuoteAsset:   info.QuoteAsset,
			ContractType: info.ContractType,
			Status:       info.Status,
			UpdatedAt:    now,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(records, 500).Error
}

// LoadTickerInfo returns the cached metadata of one exchange refreshed within
// maxAge. A non-positive maxAge disables the age check.
func (s *Storage) LoadTickerInfo(ctx context.Context, ex domain.Exchange, maxAge time.Duration) (map[domain.Ticker]domain.TickerInfo, error) {
	q := s.db.WithContext(ctx).Where("exchange = ?", ex.String())
	if maxAge > 0 {
		q = q.Where("updated_at >= ?", s.now().Add(-maxAge))
	}

	var records []tickerInfoRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}

	out := make(map[domain.Ticker]domain.TickerInfo, len(records))
	for _, r := range records {
		step, err := quant.NewPriceStep(r.TickUnits)
		if err != nil {
			// Rows written by an older schema; the next sync rewrites them.
			continue
		}
		t := domain.NewTicker(ex, r.Symbol)
		out[t] = domain.TickerInfo{
			Ticker:       t,
			TickSize:     step,
			MinQty:       r.MinQty,
			ContractSize: r.ContractSize,
			QuoteAsset:   r.QuoteAsset,
			ContractType: r.ContractType,
			Status:       r.Status,
		}
	}
	return out, nil
}

// DeleteTickerInfo drops one exchange's cache, e.g. after a delisting sweep.
func (s *Storage) DeleteTickerInfo(ctx context.Context, ex domain.Exchange) error {
	return s.db.WithContext(ctx).Where("exchange = ?", ex.String()).Delete(&tickerInfoRecord{}).Error
}

var _ domain.TickerInfoRepository = (*Storage)(nil)
