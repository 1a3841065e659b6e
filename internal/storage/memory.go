package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
)

// MemoryLedger is an in-memory Ledger.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   []*models.AddressRecord
	byAddress map[string]*models.AddressRecord
	byPath    map[string]map[uint32]*models.AddressRecord

	watermark    models.Position
	hasWatermark bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byAddress: make(map[string]*models.AddressRecord),
		byPath:    make(map[string]map[uint32]*models.AddressRecord),
	}
}

func (s *MemoryLedger) Close() error { return nil }

func (s *MemoryLedger) AllocateNext(_ context.Context, basePath string, derive DeriveFunc) (*models.AddressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint32
	for idx := range s.byPath[basePath] {
		if idx > current {
			current = idx
		}
	}
	if current >= maxIndex {
		return nil, fmt.Errorf("address index space exhausted for %s", basePath)
	}
	next := current + 1

	address, err := derive(next)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", next, err)
	}
	key := addressKey(address)
	if _, dup := s.byAddress[key]; dup {
		return nil, fmt.Errorf("%w: %s/%d", ErrIndexTaken, basePath, next)
	}

	rec := &models.AddressRecord{
		Address:   address,
		BasePath:  basePath,
		Index:     next,
		CreatedAt: time.Now().UTC(),
	}
	s.records = append(s.records, rec)
	s.byAddress[key] = rec
	if s.byPath[basePath] == nil {
		s.byPath[basePath] = make(map[uint32]*models.AddressRecord)
	}
	s.byPath[basePath][next] = rec

	out := *rec
	return &out, nil
}

func (s *MemoryLedger) Known(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddress[addressKey(address)]
	return ok, nil
}

func (s *MemoryLedger) MarkUsed(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byAddress[addressKey(address)]
	if !ok {
		return fmt.Errorf("%w: address %s", ErrNotFound, address)
	}
	now := time.Now().UTC()
	rec.LastUsedAt = &now
	return nil
}

func (s *MemoryLedger) Get(_ context.Context, basePath string, index uint32) (*models.AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byPath[basePath][index]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, basePath, index)
	}
	return copyRecord(rec), nil
}

func (s *MemoryLedger) List(_ context.Context, basePath string) ([]models.AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.AddressRecord, 0, len(s.byPath[basePath]))
	for _, rec := range s.byPath[basePath] {
		result = append(result, *copyRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (s *MemoryLedger) All(_ context.Context) ([]models.AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.AddressRecord, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, *copyRecord(rec))
	}
	return result, nil
}

func (s *MemoryLedger) Indexes(_ context.Context, basePath string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]uint32, 0, len(s.byPath[basePath]))
	for idx := range s.byPath[basePath] {
		result = append(result, idx)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (s *MemoryLedger) Watermark(_ context.Context) (models.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, s.hasWatermark, nil
}

func (s *MemoryLedger) SetWatermark(_ context.Context, pos models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasWatermark && !pos.After(s.watermark) {
		return nil
	}
	s.watermark = pos
	s.hasWatermark = true
	return nil
}

func addressKey(address string) string {
	return strings.ToLower(address)
}

func copyRecord(rec *models.AddressRecord) *models.AddressRecord {
	out := *rec
	if rec.LastUsedAt != nil {
		t := *rec.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
