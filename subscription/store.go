package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/paykit/types"
)

// Store persists subscription records. Implementations must reject a write
// that would leave two ACTIVE records for one wallet with
// DUPLICATE_ACTIVE_SUBSCRIPTION.
type Store interface {
	// Insert adds a new record. The id must be unused.
	Insert(ctx context.Context, sub *types.Subscription) error

	// Get returns a copy of the record, or NOT_FOUND.
	Get(ctx context.Context, id string) (*types.Subscription, error)

	// Update replaces the record only if its stored status and next charge
	// time still equal those of prev, the copy the change was computed from;
	// otherwise it fails with CONCURRENT_MODIFICATION.
	Update(ctx context.Context, next, prev *types.Subscription) error

	// ListByWallet returns every record of the wallet, oldest first.
	ListByWallet(ctx context.Context, wallet string) ([]*types.Subscription, error)

	// ListDue returns ACTIVE records whose next charge is at or before at.
	ListDue(ctx context.Context, at time.Time) ([]*types.Subscription, error)
}

// MemoryStore keeps records in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*types.Subscription
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*types.Subscription)}
}

func (m *MemoryStore) Insert(_ context.Context, sub *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	if sub.Status == types.StatusActive && m.hasActive(sub.Wallet, sub.ID) {
		return duplicateActive(sub.Wallet)
	}

	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, notFound(id)
	}
	return sub.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, next, prev *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[next.ID]
	if !ok {
		return notFound(next.ID)
	}
	if cur.Status != prev.Status || !sameTime(cur.NextChargeAt, prev.NextChargeAt) {
		return concurrentModification(cur, prev)
	}
	if next.Status == types.StatusActive && m.hasActive(next.Wallet, next.ID) {
		return duplicateActive(next.Wallet)
	}

	m.subs[next.ID] = next.Clone()
	return nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, wallet string) ([]*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Subscription
	for _, sub := range m.subs {
		if sub.Wallet == wallet {
			out = append(out, sub.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, at time.Time) ([]*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Subscription
	for _, sub := range m.subs {
		if sub.Status == types.StatusActive && sub.NextChargeAt != nil && !sub.NextChargeAt.After(at) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextChargeAt.Before(*out[j].NextChargeAt)
	})
	return out, nil
}

// hasActive must be called with m.mu held.
func (m *MemoryStore) hasActive(wallet, exceptID string) bool {
	for id, sub := range m.subs {
		if id != exceptID && sub.Wallet == wallet && sub.Status == types.StatusActive {
			return true
		}
	}
	return false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func concurrentModification(cur, prev *types.Subscription) error {
	if cur.Status != prev.Status {
		return types.NewError(types.ErrCodeConcurrentModified,
			fmt.Sprintf("subscription %s is %s, expected %s", cur.ID, cur.Status, prev.Status))
	}
	return types.NewError(types.ErrCodeConcurrentModified,
		fmt.Sprintf("subscription %s period changed underneath the update", cur.ID))
}

func sortByCreation(subs []*types.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

func notFound(id string) error {
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("subscription %s not found", id))
}

func duplicateActive(wallet string) error {
	return types.NewError(types.ErrCodeDuplicateActive,
		fmt.Sprintf("active subscription already exists for wallet %s", wallet))
}
