// Package memory provides in-memory repository implementations with the same
// transition semantics as the PostgreSQL adapter. They back the test suite
// and the single-binary development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"assetvault/internal/domain"
)

// AssetRepository is an in-memory domain.AssetRepository.
type AssetRepository struct {
	mu     sync.Mutex
	assets map[string]*domain.Asset // by asset_id
}

// NewAssetRepository creates an empty in-memory asset repository.
func NewAssetRepository() *AssetRepository {
	return &AssetRepository{assets: map[string]*domain.Asset{}}
}

// Create inserts a new asset, enforcing content-hash uniqueness among
// non-deleted rows.
func (r *AssetRepository) Create(ctx context.Context, asset *domain.Asset) (*domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.assets {
		if existing.DeletedAt == nil && existing.ContentHash == asset.ContentHash {
			return nil, domain.ErrAlreadyExists
		}
	}
	if _, ok := r.assets[asset.AssetID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	now := time.Now().UTC()
	stored := copyAsset(asset)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Meta == nil {
		stored.Meta = map[string]any{}
	}
	r.assets[stored.AssetID] = stored
	return copyAsset(stored), nil
}

// GetByID fetches a non-deleted asset.
func (r *AssetRepository) GetByID(ctx context.Context, assetID string) (*domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok || a.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	return copyAsset(a), nil
}

// GetByContentHash fetches a non-deleted asset by content hash.
func (r *AssetRepository) GetByContentHash(ctx context.Context, contentHash string) (*domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.assets {
		if a.DeletedAt == nil && a.ContentHash == contentHash {
			return copyAsset(a), nil
		}
	}
	return nil, domain.ErrNotFound
}

// List returns non-deleted assets, newest first, with the unpaged total.
func (r *AssetRepository) List(ctx context.Context, filter domain.AssetFilter, limit, offset int) ([]domain.Asset, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Asset
	for _, a := range r.assets {
		if a.DeletedAt != nil {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].AssetID < matched[j].AssetID
	})

	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]domain.Asset, 0, len(matched))
	for _, a := range matched {
		out = append(out, *copyAsset(a))
	}
	return out, total, nil
}

// AppendMetadataEntry appends one entry onto the asset's meta.metadata list.
func (r *AssetRepository) AppendMetadataEntry(ctx context.Context, assetID string, entry domain.MetadataEntry) (*domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok || a.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	if a.Meta == nil {
		a.Meta = map[string]any{}
	}
	items, _ := a.Meta["metadata"].([]any)
	items = append(items, entry)
	a.Meta["metadata"] = items
	a.UpdatedAt = time.Now().UTC()
	return copyAsset(a), nil
}

// SoftDelete marks the asset deleted.
func (r *AssetRepository) SoftDelete(ctx context.Context, assetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[assetID]
	if !ok || a.DeletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	a.DeletedAt = &now
	a.UpdatedAt = now
	return true, nil
}

func copyAsset(a *domain.Asset) *domain.Asset {
	out := *a
	if a.Meta != nil {
		meta := make(map[string]any, len(a.Meta))
		for k, v := range a.Meta {
			meta[k] = v
		}
		out.Meta = meta
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

var _ domain.AssetRepository = (*AssetRepository)(nil)
