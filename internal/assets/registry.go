package assets

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists registry contents across restarts. Implementations
// must tolerate duplicate saves of the same asset id.
type Store interface {
	SaveRecord(r *Record) error
	LoadRecords() ([]*Record, error)
	DeleteRecord(assetID string) error
}

// RegisterInput carries the identity and presentation fields for a new
// asset.
type RegisterInput struct {
	Filename   string
	Subfolder  string
	FolderType string
	PromptID   string
	WorkflowID string
	MimeType   string
	Width      int
	Height     int
	BytesSize  int64
	Metadata   map[string]any
	SessionID  string
}

// ListFilter selects records in ListRecords; zero values match all.
type ListFilter struct {
	Limit      int
	WorkflowID string
	SessionID  string
}

// Registry is a TTL-keyed in-memory asset index with optional
// persistence. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	byKey   map[string]string
	ttl     time.Duration
	baseURL string
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore attaches a persistence backend; existing unexpired records
// are loaded at construction.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry builds a registry. ttl bounds record lifetime; zero
// disables expiry. baseURL is used to compute asset URLs.
func NewRegistry(ttl time.Duration, baseURL string, opts ...Option) (*Registry, error) {
	r := &Registry{
		byID:    map[string]*Record{},
		byKey:   map[string]string{},
		ttl:     ttl,
		baseURL: baseURL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store != nil {
		records, err := r.store.LoadRecords()
		if err != nil {
			return nil, err
		}
		now := r.now()
		for _, rec := range records {
			if rec.Expired(now) {
				continue
			}
			r.byID[rec.AssetID] = rec
			r.byKey[rec.Key()] = rec.AssetID
		}
		r.logger.Info("loaded persisted assets", "count", len(r.byID))
	}
	return r, nil
}

// BaseURL returns the backend base URL records resolve against.
func (r *Registry) BaseURL() string { return r.baseURL }

// Register records a new asset and returns it. Registering an identity
// that already exists returns the existing record with its metadata
// refreshed; an expired record under the same identity is replaced.
func (r *Registry) Register(in RegisterInput) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(in.Filename, in.Subfolder, in.FolderType)
	now := r.now()

	if existingID, ok := r.byKey[key]; ok {
		if existing, ok := r.byID[existingID]; ok {
			if existing.Expired(now) {
				r.dropLocked(existing)
			} else {
				if in.Metadata != nil {
					existing.Metadata = in.Metadata
				}
				return existing, nil
			}
		}
	}

	rec := &Record{
		AssetID:    uuid.NewString(),
		Filename:   in.Filename,
		Subfolder:  in.Subfolder,
		FolderType: in.FolderType,
		PromptID:   in.PromptID,
		WorkflowID: in.WorkflowID,
		CreatedAt:  now,
		MimeType:   in.MimeType,
		Width:      in.Width,
		Height:     in.Height,
		BytesSize:  in.BytesSize,
		Metadata:   in.Metadata,
		SessionID:  in.SessionID,
	}
	if rec.MimeType == "" {
		rec.MimeType = "application/octet-stream"
	}
	if r.ttl > 0 {
		rec.ExpiresAt = now.Add(r.ttl)
	}

	r.byID[rec.AssetID] = rec
	r.byKey[key] = rec.AssetID

	if r.store != nil {
		if err := r.store.SaveRecord(rec); err != nil {
			r.logger.Warn("persist asset failed", "asset_id", rec.AssetID, "error", err)
		}
	}

	r.logger.Debug("registered asset", "asset_id", rec.AssetID, "key", key, "workflow", in.WorkflowID)
	return rec, nil
}

// Get returns the record for an asset id, or nil when unknown or
// expired. Expired records are dropped on access.
func (r *Registry) Get(assetID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[assetID]
	if !ok {
		return nil
	}
	if rec.Expired(r.now()) {
		r.dropLocked(rec)
		return nil
	}
	return rec
}

// GetByIdentity looks a record up by its stable identity triple.
func (r *Registry) GetByIdentity(filename, subfolder, folderType string) *Record {
	r.mu.RLock()
	id, ok := r.byKey[identityKey(filename, subfolder, folderType)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Get(id)
}

// ListRecords returns unexpired records newest-first, filtered per f.
// A zero limit returns at most 10.
func (r *Registry) ListRecords(f ListFilter) []*Record {
	r.CleanupExpired()

	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}

	records := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.SessionID != "" && rec.SessionID != f.SessionID {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

// CleanupExpired drops all expired records and returns how many.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []*Record
	for _, rec := range r.byID {
		if rec.Expired(now) {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		r.dropLocked(rec)
	}
	if len(expired) > 0 {
		r.logger.Info("cleaned up expired assets", "count", len(expired))
	}
	return len(expired)
}

func (r *Registry) dropLocked(rec *Record) {
	delete(r.byID, rec.AssetID)
	delete(r.byKey, rec.Key())
	if r.store != nil {
		if err := r.store.DeleteRecord(rec.AssetID); err != nil {
			r.logger.Warn("delete persisted asset failed", "asset_id", rec.AssetID, "error", err)
		}
	}
}
