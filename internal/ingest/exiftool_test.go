package ingest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"assetvault/internal/adapter/memory"
	"assetvault/internal/domain"
	"assetvault/internal/identity"
)

func TestShouldSkip(t *testing.T) {
	skip := []string{
		"",
		"   ",
		"photo_meta.json",
		"photo._meta.json",
		"dir_directorymeta.json",
		"Archive_META.JSON",
		"video.thumb",
		"video.thumbnail",
		"album.cover",
		"thumbs.db",
		"Thumbs.DB",
		"thumbindex.db",
		"report.csv",
		"report.tsv",
		"page.html",
		"page.htm",
		"data.json",
		"feed.xml",
	}
	for _, name := range skip {
		require.True(t, ShouldSkip(name), "expected skip for %q", name)
	}

	keep := []string{
		"image.jpg",
		"IMAGE.JPEG",
		"movie.mp4",
		"track.flac",
		"document.pdf",
		"archive.zip",
		"thumbsup.mp4",
	}
	for _, name := range keep {
		require.False(t, ShouldSkip(name), "expected no skip for %q", name)
	}
}

func TestFilterPayloadStripsVolatileKeys(t *testing.T) {
	payload := []any{
		map[string]any{
			"ExifTool:ExifToolVersion": 12.5,
			"System:FilePath":          "/tmp/x",
			"File:MIMEType":            "image/jpeg",
			"Composite:ImageSize":      "640x480",
			"Nested": map[string]any{
				"System:FileName": "x",
				"Keep":            true,
			},
			"List": []any{
				map[string]any{"System:Directory": "/tmp", "Width": 640},
			},
		},
	}

	filtered, ok := filterPayload(payload).([]any)
	require.True(t, ok)
	require.Len(t, filtered, 1)

	top, ok := filtered[0].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, top, "ExifTool:ExifToolVersion")
	require.NotContains(t, top, "System:FilePath")
	require.Equal(t, "image/jpeg", top["File:MIMEType"])
	require.Equal(t, "640x480", top["Composite:ImageSize"])

	nested, ok := top["Nested"].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, nested, "System:FileName")
	require.Equal(t, true, nested["Keep"])

	list, ok := top["List"].([]any)
	require.True(t, ok)
	inner, ok := list[0].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, inner, "System:Directory")
	require.EqualValues(t, 640, inner["Width"])
}

func TestExtractorDisabledWithoutPath(t *testing.T) {
	var nilExtractor *Extractor
	require.False(t, nilExtractor.Enabled())
	require.False(t, (&Extractor{}).Enabled())
	require.False(t, (&Extractor{Path: "  "}).Enabled())
	require.True(t, (&Extractor{Path: "/usr/bin/exiftool"}).Enabled())
}

func TestRunMissingBinaryErrors(t *testing.T) {
	dir := t.TempDir()
	asset := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(asset, []byte("bytes"), 0o644))

	e := &Extractor{Path: filepath.Join(dir, "no-such-exiftool"), Logger: zerolog.Nop()}
	_, err := e.Run(context.Background(), asset)
	require.Error(t, err)
}

func TestRunMissingAssetErrors(t *testing.T) {
	dir := t.TempDir()
	e := &Extractor{Path: stubExiftool(t, dir, `[{"File:MIMEType":"image/jpeg"}]`), Logger: zerolog.Nop()}
	_, err := e.Run(context.Background(), filepath.Join(dir, "missing.jpg"))
	require.Error(t, err)
}

// stubExiftool writes a shell script that prints the given JSON regardless of
// its arguments, standing in for a real exiftool binary.
func stubExiftool(t *testing.T, dir, jsonOut string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(dir, "exiftool-stub")
	script := "#!/bin/sh\nprintf '%s\\n' '" + jsonOut + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunParsesAndFiltersOutput(t *testing.T) {
	dir := t.TempDir()
	asset := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(asset, []byte("bytes"), 0o644))

	out := `[{"File:MIMEType":"image/jpeg","ExifTool:ExifToolVersion":12.5,"System:FilePath":"/tmp/a.jpg"}]`
	e := &Extractor{Path: stubExiftool(t, dir, out), Logger: zerolog.Nop()}

	entry, err := e.Run(context.Background(), asset)
	require.NoError(t, err)
	require.Equal(t, "ExifTool", entry.Source)
	require.Equal(t, "JsonMetadata", entry.Type)

	list, ok := entry.Data.([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	payload, ok := list[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", payload["File:MIMEType"])
	require.NotContains(t, payload, "ExifTool:ExifToolVersion")
	require.NotContains(t, payload, "System:FilePath")
}

func TestRunRejectsNonJSONOutput(t *testing.T) {
	dir := t.TempDir()
	asset := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(asset, []byte("bytes"), 0o644))

	e := &Extractor{Path: stubExiftool(t, dir, "not json at all"), Logger: zerolog.Nop()}
	_, err := e.Run(context.Background(), asset)
	require.Error(t, err)
}

func TestRunRejectsEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	asset := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(asset, []byte("bytes"), 0o644))

	e := &Extractor{Path: stubExiftool(t, dir, `{}`), Logger: zerolog.Nop()}
	_, err := e.Run(context.Background(), asset)
	require.Error(t, err)
}

func storedAsset(t *testing.T, assets domain.AssetRepository, content []byte) *domain.Asset {
	t.Helper()
	hash := identity.SHA256HexBytes(content)
	created, err := assets.Create(context.Background(), &domain.Asset{
		AssetID:         hash,
		Kind:            "file",
		Filename:        "a.jpg",
		ContentHash:     hash,
		ByteSize:        int64(len(content)),
		StorageProvider: domain.StorageProviderFS,
		StorageKey:      "files/xx/" + hash,
		Meta:            map[string]any{"metadata": []any{}},
	})
	require.NoError(t, err)
	return created
}

func TestExtractAppendsMetadataEntry(t *testing.T) {
	dir := t.TempDir()
	assetPath := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(assetPath, []byte("bytes"), 0o644))

	assets := memory.NewAssetRepository()
	created := storedAsset(t, assets, []byte("bytes"))

	e := &Extractor{
		Path:   stubExiftool(t, dir, `[{"File:MIMEType":"image/jpeg"}]`),
		Assets: assets,
		Logger: zerolog.Nop(),
	}
	e.Extract(context.Background(), created.AssetID, assetPath)

	after, err := assets.GetByID(context.Background(), created.AssetID)
	require.NoError(t, err)
	items, ok := after.Meta["metadata"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	entry, ok := items[0].(domain.MetadataEntry)
	require.True(t, ok)
	require.Equal(t, "ExifTool", entry.Source)
	require.Equal(t, "JsonMetadata", entry.Type)
}

func TestExtractUnknownAssetDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	assetPath := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(assetPath, []byte("bytes"), 0o644))

	e := &Extractor{
		Path:   stubExiftool(t, dir, `[{"File:MIMEType":"image/jpeg"}]`),
		Assets: memory.NewAssetRepository(),
		Logger: zerolog.Nop(),
	}
	e.Extract(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000", assetPath)
}

func TestExtractAsyncRemovesCleanupPath(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "spool.tmp")
	require.NoError(t, os.WriteFile(spool, []byte("bytes"), 0o644))

	assets := memory.NewAssetRepository()
	created := storedAsset(t, assets, []byte("bytes"))

	e := &Extractor{
		Path:   stubExiftool(t, dir, `[{"File:MIMEType":"image/jpeg"}]`),
		Assets: assets,
		Logger: zerolog.Nop(),
	}
	e.ExtractAsync(created.AssetID, spool, spool)

	require.Eventually(t, func() bool {
		_, err := os.Stat(spool)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	after, err := assets.GetByID(context.Background(), created.AssetID)
	require.NoError(t, err)
	items, _ := after.Meta["metadata"].([]any)
	require.Len(t, items, 1)
}
