package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-serialized Store for tests and database-less
// development runs. InTx holds the lock for the whole closure, which gives
// the same serialization the Postgres row locks provide. Writes apply
// immediately; the service validates before writing, so an error from the
// closure never leaves partial state behind.
type MemoryStore struct {
	mu       sync.Mutex
	families map[string]*Family
	records  map[string]*RefreshRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		families: make(map[string]*Family),
		records:  make(map[string]*RefreshRecord),
	}
}

type memoryTx struct{ s *MemoryStore }

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memoryTx{s: s})
}

func (s *MemoryStore) GetFamily(ctx context.Context, familyID string) (Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFamily(familyID)
}

func (s *MemoryStore) ListFamilies(ctx context.Context, userID string) ([]Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Family
	for _, f := range s.families {
		if f.UserID == userID {
			out = append(out, cloneFamily(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) getFamily(familyID string) (Family, error) {
	f, ok := s.families[familyID]
	if !ok {
		return Family{}, ErrSessionNotFound
	}
	return cloneFamily(f), nil
}

func (tx memoryTx) CreateFamily(ctx context.Context, fam Family) error {
	f := fam
	tx.s.families[fam.ID] = &f
	return nil
}

func (tx memoryTx) GetFamilyForUpdate(ctx context.Context, familyID string) (Family, error) {
	return tx.s.getFamily(familyID)
}

func (tx memoryTx) GetRecordForUpdate(ctx context.Context, jti string) (RefreshRecord, error) {
	r, ok := tx.s.records[jti]
	if !ok {
		return RefreshRecord{}, ErrSessionNotFound
	}
	out := *r
	if r.RotatedTo != nil {
		v := *r.RotatedTo
		out.RotatedTo = &v
	}
	return out, nil
}

func (tx memoryTx) InsertRecord(ctx context.Context, rec RefreshRecord) error {
	r := rec
	tx.s.records[rec.JTI] = &r
	return nil
}

func (tx memoryTx) MarkConsumed(ctx context.Context, jti, rotatedTo string) error {
	r, ok := tx.s.records[jti]
	if !ok {
		return ErrSessionNotFound
	}
	r.Consumed = true
	r.RotatedTo = &rotatedTo
	return nil
}

func (tx memoryTx) BumpRotation(ctx context.Context, now time.Time, familyID string) error {
	f, ok := tx.s.families[familyID]
	if !ok {
		return ErrSessionNotFound
	}
	f.RotationCount++
	t := now.UTC()
	f.LastRotatedAt = &t
	return nil
}

func (tx memoryTx) RevokeFamily(ctx context.Context, now time.Time, familyID, reason string) error {
	f, ok := tx.s.families[familyID]
	if !ok {
		return ErrSessionNotFound
	}
	if f.RevokedAt != nil {
		return nil
	}
	t := now.UTC()
	f.RevokedAt = &t
	f.RevocationReason = reason
	return nil
}

func (tx memoryTx) RevokeAllForUser(ctx context.Context, now time.Time, userID, reason string) (int, error) {
	n := 0
	t := now.UTC()
	for _, f := range tx.s.families {
		if f.UserID != userID || f.RevokedAt != nil {
			continue
		}
		f.RevokedAt = &t
		f.RevocationReason = reason
		n++
	}
	return n, nil
}

func cloneFamily(f *Family) Family {
	out := *f
	if f.RevokedAt != nil {
		t := *f.RevokedAt
		out.RevokedAt = &t
	}
	if f.LastRotatedAt != nil {
		t := *f.LastRotatedAt
		out.LastRotatedAt = &t
	}
	return out
}
