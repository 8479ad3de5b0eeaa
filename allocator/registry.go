package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const allocationsKey = "allocations"

var (
	// ErrDuplicate indicates a create collision on an allocation id. Callers
	// generate collision-resistant ids, so hitting this means a reused id.
	ErrDuplicate = errors.New("allocator: allocation id already exists")
	// ErrNotFound indicates a lookup miss.
	ErrNotFound = errors.New("allocator: allocation not found")
)

// Store is the slice of the state store the registry writes through.
type Store interface {
	HashGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HashSet(ctx context.Context, key, field string, value []byte) error
	HashSetNX(ctx context.Context, key, field string, value []byte) (bool, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashDelete(ctx context.Context, key string, fields ...string) error
}

// Publisher republishes registry mutations to interested subscribers.
// Publishing is best-effort; a publish failure never fails the mutation.
type Publisher interface {
	PublishCreated(ctx context.Context, rec *AllocationRecord) error
	PublishUpdated(ctx context.Context, rec *AllocationRecord) error
}

// Registry owns the canonical allocation record keyed by allocation id. It
// enforces the status lifecycle and stamps a fresh expiration on every write.
// Concurrent updates to the same id are last-write-wins: the id space is
// meant to be one-shot, so the race is accepted rather than guarded.
type Registry struct {
	store Store
	pub   Publisher
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(store Store, pub Publisher, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{store: store, pub: pub, ttl: ttl, now: time.Now}
}

// Create persists a new record for the request with status received. The
// record is observable through Get immediately, before any RM contact.
func (r *Registry) Create(ctx context.Context, req *AllocationRequest) (*AllocationRecord, error) {
	rec := &AllocationRecord{
		AllocationID: req.AllocationID,
		Status:       StatusReceived,
		Expiration:   r.now().Add(r.ttl).Unix(),
		Demands:      req.Demands,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding allocation %s: %w", req.AllocationID, err)
	}
	ok, err := r.store.HashSetNX(ctx, allocationsKey, req.AllocationID, b)
	if err != nil {
		return nil, fmt.Errorf("storing allocation %s: %w", req.AllocationID, err)
	}
	if !ok {
		return nil, ErrDuplicate
	}
	r.publishCreated(ctx, rec)
	return rec, nil
}

// Get returns the record for one allocation id.
func (r *Registry) Get(ctx context.Context, id string) (*AllocationRecord, error) {
	val, ok, err := r.store.HashGet(ctx, allocationsKey, id)
	if err != nil {
		return nil, fmt.Errorf("reading allocation %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var rec AllocationRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding allocation %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every stored record keyed by allocation id. Bounded by store
// size; there is no pagination.
func (r *Registry) List(ctx context.Context) (map[string]*AllocationRecord, error) {
	raw, err := r.store.HashGetAll(ctx, allocationsKey)
	if err != nil {
		return nil, fmt.Errorf("listing allocations: %w", err)
	}
	recs := make(map[string]*AllocationRecord, len(raw))
	for id, val := range raw {
		var rec AllocationRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, fmt.Errorf("decoding allocation %s: %w", id, err)
		}
		recs[id] = &rec
	}
	return recs, nil
}

// Update applies a partial update to one record and refreshes its expiration.
// The read-merge-write is not atomic across concurrent updates to the same
// id; last writer wins per record.
func (r *Registry) Update(ctx context.Context, id string, upd RecordUpdate) (*AllocationRecord, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	upd.apply(rec)
	rec.Expiration = r.now().Add(r.ttl).Unix()
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding allocation %s: %w", id, err)
	}
	if err := r.store.HashSet(ctx, allocationsKey, id, b); err != nil {
		return nil, fmt.Errorf("storing allocation %s: %w", id, err)
	}
	r.publishUpdated(ctx, rec)
	return rec, nil
}

// Prune removes named top-level fields from one stored record, or the whole
// record when no fields are given. Administrative operation; the dispatch
// path never deletes.
func (r *Registry) Prune(ctx context.Context, id string, fields ...string) error {
	if len(fields) == 0 {
		return r.store.HashDelete(ctx, allocationsKey, id)
	}
	val, ok, err := r.store.HashGet(ctx, allocationsKey, id)
	if err != nil {
		return fmt.Errorf("reading allocation %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	var m map[string]any
	if err := json.Unmarshal(val, &m); err != nil {
		return fmt.Errorf("decoding allocation %s: %w", id, err)
	}
	for _, f := range fields {
		delete(m, f)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding allocation %s: %w", id, err)
	}
	return r.store.HashSet(ctx, allocationsKey, id, b)
}

func (r *Registry) publishCreated(ctx context.Context, rec *AllocationRecord) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishCreated(ctx, rec); err != nil {
		log.Warn().Err(err).Str("allocationId", rec.AllocationID).Msg("registry: publishing create notification failed")
	}
}

func (r *Registry) publishUpdated(ctx context.Context, rec *AllocationRecord) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishUpdated(ctx, rec); err != nil {
		log.Warn().Err(err).Str("allocationId", rec.AllocationID).Msg("registry: publishing update notification failed")
	}
}
