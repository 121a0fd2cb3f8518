// Package ingest implements best-effort metadata extraction for freshly
// stored assets. Extraction runs off the request path and never fails an
// upload: any error is logged and the asset is left without the entry.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"assetvault/internal/domain"
)

// skipPatterns matches filenames whose content carries no useful embedded
// metadata (sidecars, thumbnail caches, plain text formats).
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)_(meta|directorymeta)\.json$`),
	regexp.MustCompile(`(?i)\.(cover|thumb|thumb(s|db|index|nail))$`),
	regexp.MustCompile(`(?i)^(thumb|thumb(s|db|index|nail))\.db$`),
	regexp.MustCompile(`(?i)\.(csv|html?|json|tsv|xml)$`),
}

// argsFileLine is the exiftool invocation, passed via a parameter file so the
// flag set stays identical across platforms and shells.
const argsFileLine = "-quiet -extractEmbedded3 -scanForXMP -unknown2 -json -G3:1 -struct -b " +
	"-ignoreMinorErrors -charset filename=utf8 -api requestall=3 -api largefilesupport=1 --"

// removeKeys lists volatile or host-specific keys stripped from the exiftool
// payload before it is persisted.
var removeKeys = map[string]struct{}{
	"ExifTool:ExifToolVersion": {},
	"ExifTool:FileSequence":    {},
	"ExifTool:NewGUID":         {},
	"System:BaseName":          {},
	"System:Directory":         {},
	"System:FileBlockCount":    {},
	"System:FileBlockSize":     {},
	"System:FileDeviceID":      {},
	"System:FileDeviceNumber":  {},
	"System:FileGroupID":       {},
	"System:FileHardLinks":     {},
	"System:FileInodeNumber":   {},
	"System:FileName":          {},
	"System:FilePath":          {},
	"System:FilePermissions":   {},
	"System:FileUserID":        {},
}

// ShouldSkip reports whether extraction is pointless for the given filename.
// Blank names are skipped.
func ShouldSkip(filename string) bool {
	name := strings.TrimSpace(filename)
	if name == "" {
		return true
	}
	for _, p := range skipPatterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// Extractor runs an exiftool binary against stored asset bytes and appends
// the result onto the asset's meta.metadata list. A zero Path disables it.
type Extractor struct {
	Path   string
	Assets domain.AssetRepository
	Logger zerolog.Logger
}

// Enabled reports whether an exiftool binary is configured.
func (e *Extractor) Enabled() bool {
	return e != nil && strings.TrimSpace(e.Path) != ""
}

// ExtractAsync runs extraction on its own goroutine. When cleanupPath is
// non-empty the file is removed once extraction finishes, so callers can hand
// over a spool file that must outlive the request.
func (e *Extractor) ExtractAsync(assetID, assetPath, cleanupPath string) {
	go func() {
		defer func() {
			if cleanupPath != "" {
				_ = os.Remove(cleanupPath)
			}
		}()
		e.Extract(context.Background(), assetID, assetPath)
	}()
}

// Extract runs exiftool and appends the entry, logging instead of failing on
// any error.
func (e *Extractor) Extract(ctx context.Context, assetID, assetPath string) {
	entry, err := e.Run(ctx, assetPath)
	if err != nil {
		e.Logger.Info().Err(err).Str("asset_id", assetID).Msg("ExifTool metadata extraction failed")
		return
	}
	if _, err := e.Assets.AppendMetadataEntry(ctx, assetID, entry); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.Logger.Warn().Str("asset_id", assetID).Msg("ExifTool metadata extracted but asset not found")
			return
		}
		e.Logger.Info().Err(err).Str("asset_id", assetID).Msg("ExifTool metadata extraction failed")
	}
}

// Run executes exiftool against assetPath and returns the metadata entry to
// store. The payload is filtered of volatile keys and must be non-empty
// afterward.
func (e *Extractor) Run(ctx context.Context, assetPath string) (domain.MetadataEntry, error) {
	var entry domain.MetadataEntry

	if _, err := os.Stat(e.Path); err != nil {
		return entry, fmt.Errorf("exiftool binary: %w", err)
	}
	if _, err := os.Stat(assetPath); err != nil {
		return entry, fmt.Errorf("asset bytes: %w", err)
	}

	argsFile, err := os.CreateTemp("", "exiftool-*.args")
	if err != nil {
		return entry, fmt.Errorf("create args file: %w", err)
	}
	argsPath := argsFile.Name()
	defer os.Remove(argsPath)
	if _, err := argsFile.WriteString(argsFileLine + "\n"); err != nil {
		argsFile.Close()
		return entry, fmt.Errorf("write args file: %w", err)
	}
	if err := argsFile.Close(); err != nil {
		return entry, fmt.Errorf("close args file: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Path, "-@", argsPath, assetPath)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return entry, fmt.Errorf("exiftool run: %w", err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return entry, errors.New("exiftool produced empty output")
	}
	var parsed any
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return entry, errors.New("exiftool output was not valid JSON")
	}

	filtered := filterPayload(parsed)
	if payloadEmpty(filtered) {
		return entry, errors.New("exiftool JSON was empty after filtering")
	}

	return domain.MetadataEntry{
		Source: "ExifTool",
		Type:   "JsonMetadata",
		Data:   filtered,
	}, nil
}

// filterPayload strips volatile keys recursively, leaving everything else
// untouched.
func filterPayload(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, x := range t {
			out = append(out, filterPayload(x))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, drop := removeKeys[k]; drop {
				continue
			}
			out[k] = filterPayload(val)
		}
		return out
	default:
		return v
	}
}

func payloadEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
