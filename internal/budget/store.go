package budget

import (
	"context"
	"sync"
	"time"
)

// Record is the stored counter for one session.
type Record struct {
	SessionID       string
	TokensUsed      int
	TokensRemaining int
	ResetAt         time.Time
}

// Store is the keyed counter backend. Update must run fn and persist its
// result atomically with respect to other Updates of the same session; when
// fn fails nothing is written and the (possibly modified) copy is returned
// alongside the error.
type Store interface {
	Load(ctx context.Context, sessionID string) (Record, bool, error)
	Update(ctx context.Context, sessionID string, fn func(rec *Record, found bool) error) (Record, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	return rec, ok, nil
}

func (m *MemoryStore) Update(ctx context.Context, sessionID string, fn func(rec *Record, found bool) error) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.records[sessionID]
	rec.SessionID = sessionID
	if err := fn(&rec, found); err != nil {
		return rec, err
	}
	m.records[sessionID] = rec
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
	return nil
}
