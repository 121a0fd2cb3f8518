package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"assetvault/internal/domain"
)

const pgUniqueViolation = "23505"

// AssetRepositoryPG implements domain.AssetRepository on PostgreSQL.
type AssetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAssetRepository creates a new asset repository backed by PostgreSQL.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepositoryPG {
	return &AssetRepositoryPG{pool: pool}
}

const assetColumns = `asset_id, kind, filename, content_hash, byte_size, mime_type,
       storage_provider, storage_key, meta, created_at, updated_at, deleted_at`

// Create inserts a new asset record. A unique-constraint conflict on
// content_hash is reported as domain.ErrAlreadyExists so the caller can
// attach to the existing row.
func (r *AssetRepositoryPG) Create(ctx context.Context, asset *domain.Asset) (*domain.Asset, error) {
	meta := asset.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal asset meta: %w", err)
	}

	query := `
INSERT INTO assets (asset_id, kind, filename, content_hash, byte_size, mime_type, storage_provider, storage_key, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + assetColumns + `;
`
	row := r.pool.QueryRow(ctx, query,
		asset.AssetID,
		asset.Kind,
		asset.Filename,
		asset.ContentHash,
		asset.ByteSize,
		nullableString(asset.MimeType),
		asset.StorageProvider,
		asset.StorageKey,
		metaJSON,
	)

	created, err := scanAsset(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, domain.ErrAlreadyExists
		}
		return nil, err
	}
	return created, nil
}

// GetByID fetches a non-deleted asset by its identifier.
func (r *AssetRepositoryPG) GetByID(ctx context.Context, assetID string) (*domain.Asset, error) {
	query := `
SELECT ` + assetColumns + `
FROM assets
WHERE asset_id = $1 AND deleted_at IS NULL;
`
	return scanAssetNotFound(r.pool.QueryRow(ctx, query, assetID))
}

// GetByContentHash fetches a non-deleted asset by content hash.
func (r *AssetRepositoryPG) GetByContentHash(ctx context.Context, contentHash string) (*domain.Asset, error) {
	query := `
SELECT ` + assetColumns + `
FROM assets
WHERE content_hash = $1 AND deleted_at IS NULL;
`
	return scanAssetNotFound(r.pool.QueryRow(ctx, query, contentHash))
}

// List returns non-deleted assets, newest first, with the unpaged total.
func (r *AssetRepositoryPG) List(ctx context.Context, filter domain.AssetFilter, limit, offset int) ([]domain.Asset, int, error) {
	where := "deleted_at IS NULL"
	args := []any{}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM assets WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
SELECT `+assetColumns+`
FROM assets
WHERE %s
ORDER BY created_at DESC, asset_id ASC
LIMIT $%d OFFSET $%d;
`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

// AppendMetadataEntry appends one entry onto the asset's meta.metadata list.
// The list is append-only by convention; existing entries are never touched.
func (r *AssetRepositoryPG) AppendMetadataEntry(ctx context.Context, assetID string, entry domain.MetadataEntry) (*domain.Asset, error) {
	current, err := r.GetByID(ctx, assetID)
	if err != nil {
		return nil, err
	}

	meta := current.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	items, _ := meta["metadata"].([]any)
	items = append(items, entry)
	meta["metadata"] = items

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal asset meta: %w", err)
	}

	query := `
UPDATE assets
SET meta = $2, updated_at = NOW()
WHERE asset_id = $1 AND deleted_at IS NULL
RETURNING ` + assetColumns + `;
`
	return scanAssetNotFound(r.pool.QueryRow(ctx, query, assetID, metaJSON))
}

// SoftDelete marks the asset deleted. It reports whether a live row matched.
func (r *AssetRepositoryPG) SoftDelete(ctx context.Context, assetID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE assets
SET deleted_at = NOW(), updated_at = NOW()
WHERE asset_id = $1 AND deleted_at IS NULL;
`, assetID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanAsset(row pgx.Row) (*domain.Asset, error) {
	var (
		a        domain.Asset
		mimeType *string
		metaJSON []byte
	)
	if err := row.Scan(
		&a.AssetID,
		&a.Kind,
		&a.Filename,
		&a.ContentHash,
		&a.ByteSize,
		&mimeType,
		&a.StorageProvider,
		&a.StorageKey,
		&metaJSON,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.DeletedAt,
	); err != nil {
		return nil, err
	}
	if mimeType != nil {
		a.MimeType = *mimeType
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Meta); err != nil {
			a.Meta = map[string]any{}
		}
	}
	return &a, nil
}

func scanAssetNotFound(row pgx.Row) (*domain.Asset, error) {
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.AssetRepository = (*AssetRepositoryPG)(nil)
