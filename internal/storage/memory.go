package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/johnayoung/go-kline-sync/internal/models"
)

// MemoryStore keeps series in memory. It is used by tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[models.SeriesKey][]models.Candle
	saves  map[models.SeriesKey]int
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[models.SeriesKey][]models.Candle),
		saves:  make(map[models.SeriesKey]int),
	}
}

// Load implements SeriesStore. The returned series is a copy.
func (m *MemoryStore) Load(ctx context.Context, loc Location) (*models.Series, error) {
	if ctx.Err() != nil {
		return nil, NewLoadError("memory", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewLoadError("memory", errors.New("storage is closed"))
	}

	rows := m.series[loc.Key]
	series := models.NewSeries(loc.Key)
	if len(rows) > 0 {
		series.Candles = append([]models.Candle(nil), rows...)
	}
	return series, nil
}

// Save implements SeriesStore.
func (m *MemoryStore) Save(ctx context.Context, loc Location, series *models.Series) error {
	if ctx.Err() != nil {
		return NewSaveError("memory", ctx.Err())
	}
	if err := series.Validate(); err != nil {
		return NewSaveError("memory", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewSaveError("memory", errors.New("storage is closed"))
	}

	m.series[loc.Key] = append([]models.Candle(nil), series.Candles...)
	m.saves[loc.Key]++
	return nil
}

// Put seeds the store with rows for key without counting a save.
func (m *MemoryStore) Put(key models.SeriesKey, rows []models.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[key] = append([]models.Candle(nil), rows...)
}

// Saves returns how many times the series for key was saved.
func (m *MemoryStore) Saves(key models.SeriesKey) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[key]
}

// Close implements SeriesStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ SeriesStore = (*MemoryStore)(nil)
