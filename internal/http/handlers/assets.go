package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"assetvault/internal/domain"
	"assetvault/internal/identity"
	"assetvault/internal/ingest"
)

const (
	uploadChunkSize = 8 << 20

	assetListDefaultLimit = 50
	assetListMaxLimit     = 200
)

type assetJSON struct {
	AssetID         string         `json:"asset_id"`
	Kind            string         `json:"kind"`
	Filename        string         `json:"filename"`
	ContentHash     string         `json:"content_hash"`
	ByteSize        int64          `json:"byte_size"`
	MimeType        string         `json:"mime_type"`
	StorageProvider string         `json:"storage_provider"`
	StorageKey      string         `json:"storage_key"`
	Meta            map[string]any `json:"meta"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func toAssetJSON(a *domain.Asset) assetJSON {
	meta := a.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return assetJSON{
		AssetID:         a.AssetID,
		Kind:            a.Kind,
		Filename:        a.Filename,
		ContentHash:     a.ContentHash,
		ByteSize:        a.ByteSize,
		MimeType:        a.MimeType,
		StorageProvider: a.StorageProvider,
		StorageKey:      a.StorageKey,
		Meta:            meta,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// UploadAsset accepts a multipart upload ("file" part, optional "meta"
// sidecar JSON part, optional "kind" field). The payload is spooled to a
// temp file while being hashed, so arbitrarily large uploads use bounded
// memory, then routed through the storage manager and recorded with
// content-hash dedup.
func (a *App) UploadAsset(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid_input", "multipart form required")
		return
	}

	var (
		tempPath    string
		filename    string
		contentType string
		byteSize    int64
		contentHash string
		kind        = "file"
		sidecar     any
		sidecarName string
	)
	cleanupTemp := true
	defer func() {
		if cleanupTemp && tempPath != "" {
			_ = os.Remove(tempPath)
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.error(w, http.StatusBadRequest, "invalid_input", "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "file":
			if tempPath != "" {
				// A repeated file part supersedes the previous one; drop the
				// earlier spool file so it does not linger.
				_ = os.Remove(tempPath)
			}
			filename = part.FileName()
			contentType = part.Header.Get("Content-Type")
			tempPath = filepath.Join(a.TempDir, "upload-"+uuid.NewString()+".tmp")
			hash, n, err := spoolPart(part, tempPath)
			if err != nil {
				a.error(w, http.StatusInternalServerError, "internal", "failed to spool upload")
				return
			}
			byteSize = n
			contentHash = hash
		case "meta":
			sidecarName = part.FileName()
			data, err := readSidecarPart(part)
			if err != nil {
				a.error(w, http.StatusUnprocessableEntity, "invalid_input", err.Error())
				return
			}
			sidecar = data
		case "kind":
			raw, _ := io.ReadAll(io.LimitReader(part, 256))
			if v := strings.TrimSpace(string(raw)); v != "" {
				kind = v
			}
		}
		part.Close()
	}

	if tempPath == "" || filename == "" {
		a.error(w, http.StatusUnprocessableEntity, "invalid_input", "missing file upload")
		return
	}
	if byteSize <= 0 {
		a.error(w, http.StatusUnprocessableEntity, "invalid_input", "uploaded file was empty")
		return
	}

	assetID, err := identity.AssetIDFromContentHash(contentHash)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "hash derivation failed")
		return
	}

	upload, err := a.Storage.StoreUpload(r.Context(), tempPath, assetID, kind, byteSize)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to store upload")
		return
	}
	// Filesystem uploads consume the temp file; object-store uploads hand it
	// back for cleanup once we are done with it.
	cleanupTemp = false
	spoolCleanup := true
	if upload.CleanupTempPath != "" {
		defer func() {
			if spoolCleanup {
				_ = os.Remove(upload.CleanupTempPath)
			}
		}()
	}

	// scheduleExif hands the stored bytes to the background metadata
	// extractor. When the bytes only exist in the spool file, ownership of
	// that file transfers to the extractor goroutine.
	scheduleExif := func() {
		if !a.Exif.Enabled() || ingest.ShouldSkip(filename) {
			return
		}
		localPath := upload.LocalPath
		cleanup := ""
		if localPath == "" {
			localPath = upload.CleanupTempPath
			cleanup = upload.CleanupTempPath
		}
		if localPath == "" {
			return
		}
		spoolCleanup = false
		a.Exif.ExtractAsync(assetID, localPath, cleanup)
	}

	meta := map[string]any{"metadata": []any{}}
	if sidecar != nil {
		meta["metadata"] = []any{domain.NewSidecarEntry(sidecarName, sidecar)}
	}

	asset := &domain.Asset{
		AssetID:         assetID,
		Kind:            kind,
		Filename:        filename,
		ContentHash:     contentHash,
		ByteSize:        byteSize,
		MimeType:        strings.TrimSpace(contentType),
		StorageProvider: upload.StorageProvider,
		StorageKey:      upload.StorageKey,
		Meta:            meta,
	}

	created, err := a.Assets.Create(r.Context(), asset)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Identical bytes already stored; attach to the existing row.
			existing, lookupErr := a.Assets.GetByContentHash(r.Context(), contentHash)
			if lookupErr != nil {
				a.error(w, http.StatusConflict, "conflict", "asset already exists")
				return
			}
			// Re-extract on dedup too; the existing row may predate the
			// extractor being configured.
			scheduleExif()
			a.json(w, http.StatusOK, toAssetJSON(existing))
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to record asset")
		return
	}

	scheduleExif()
	a.json(w, http.StatusCreated, toAssetJSON(created))
}

// ListAssets returns assets newest first, with an optional kind filter.
func (a *App) ListAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AssetFilter{Kind: strings.TrimSpace(q.Get("kind"))}
	limit := queryInt(q.Get("limit"), assetListDefaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > assetListMaxLimit {
		limit = assetListMaxLimit
	}
	offset := queryInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	assets, total, err := a.Assets.List(r.Context(), filter, limit, offset)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list assets")
		return
	}

	items := make([]assetJSON, 0, len(assets))
	for i := range assets {
		items = append(items, toAssetJSON(&assets[i]))
	}
	a.json(w, http.StatusOK, map[string]any{
		"assets": items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetAsset returns asset metadata.
func (a *App) GetAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	asset, err := a.Assets.GetByID(r.Context(), assetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "asset not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load asset")
		return
	}
	a.json(w, http.StatusOK, toAssetJSON(asset))
}

// DeleteAsset soft-deletes an asset record. Stored bytes are retained.
func (a *App) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	deleted, err := a.Assets.SoftDelete(r.Context(), assetID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete asset")
		return
	}
	if !deleted {
		a.error(w, http.StatusNotFound, "not_found", "asset not found")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"deleted": true})
}

// DownloadAsset streams asset bytes from whichever backend holds them,
// honoring single HTTP Range requests.
func (a *App) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	asset, err := a.Assets.GetByID(r.Context(), assetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "asset not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load asset")
		return
	}

	size, err := a.Storage.SizeBytes(r.Context(), asset.StorageProvider, asset.StorageKey)
	if err != nil {
		a.storageError(w, err)
		return
	}

	mimeType := downloadMimeType(asset)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadFilename(asset)))

	rangeHeader := r.Header.Get("Range")
	start, end, ok := parseRangeHeader(rangeHeader, size)
	if rangeHeader != "" && !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if size == 0 {
		w.Header().Set("Content-Type", mimeType)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, total, err := a.Storage.OpenRange(r.Context(), asset.StorageProvider, asset.StorageKey, start, end)
	if err != nil {
		a.storageError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if rangeHeader != "" {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = io.Copy(w, rc)
}

func (a *App) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "asset bytes not found")
	case errors.Is(err, domain.ErrUnavailable):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "storage backend unreachable")
	case errors.Is(err, domain.ErrUnsatisfiableRange):
		a.error(w, http.StatusRequestedRangeNotSatisfiable, "invalid_range", "requested range not satisfiable")
	default:
		a.error(w, http.StatusInternalServerError, "internal", "storage read failed")
	}
}

// spoolPart copies the part to tempPath while hashing, returning the content
// hash and byte count. Memory use is bounded by the copy chunk size.
func spoolPart(part io.Reader, tempPath string) (string, int64, error) {
	out, err := os.Create(tempPath)
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	buf := make([]byte, uploadChunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(out, h), part, buf)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func readSidecarPart(part io.Reader) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(part, 4<<20))
	if err != nil {
		return nil, errors.New("failed to read _meta.json part")
	}
	if !utf8.Valid(raw) {
		return nil, errors.New("_meta.json must be UTF-8")
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.New("_meta.json must be valid JSON")
	}
	if parsed == nil || parsed == "" {
		return nil, errors.New("_meta.json must be non-empty")
	}
	return parsed, nil
}

// parseRangeHeader parses a single "bytes=" range against the object size.
// It returns the full range when the header is absent, and ok=false when the
// header is present but malformed or unsatisfiable.
func parseRangeHeader(raw string, size int64) (start, end int64, ok bool) {
	if raw == "" {
		if size == 0 {
			return 0, 0, true
		}
		return 0, size - 1, true
	}

	value, found := strings.CutPrefix(strings.TrimSpace(raw), "bytes=")
	if !found || strings.Contains(value, ",") {
		return 0, 0, false
	}
	startS, endS, found := strings.Cut(strings.TrimSpace(value), "-")
	if !found {
		return 0, 0, false
	}
	startS = strings.TrimSpace(startS)
	endS = strings.TrimSpace(endS)

	// Suffix form: last N bytes.
	if startS == "" {
		suffix, err := strconv.ParseInt(endS, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		if suffix >= size {
			return 0, size - 1, true
		}
		return size - suffix, size - 1, true
	}

	start, err := strconv.ParseInt(startS, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}

	if endS == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(endS, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, true
}

func downloadMimeType(asset *domain.Asset) string {
	if asset.MimeType != "" {
		return asset.MimeType
	}
	if asset.Filename != "" {
		if mt := mime.TypeByExtension(filepath.Ext(asset.Filename)); mt != "" {
			return mt
		}
	}
	return "application/octet-stream"
}

func downloadFilename(asset *domain.Asset) string {
	if asset.Filename != "" {
		return asset.Filename
	}
	return asset.AssetID
}
