// -----------------------------------------------------------------------
// Archiver - bundle a markdown document and its assets into a zip
// -----------------------------------------------------------------------

package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// Service implements interfaces.Archiver. Each archive contains the
// markdown source, a PDF rendition, and copies of every asset that exists
// on the local filesystem. External asset references (URLs) are listed in a
// manifest instead.
type Service struct {
	logger      arbor.ILogger
	archivesDir string
}

var _ interfaces.Archiver = (*Service)(nil)

// NewService creates an archiver writing into archivesDir.
func NewService(logger arbor.ILogger, archivesDir string) *Service {
	if archivesDir == "" {
		archivesDir = filepath.Join(os.TempDir(), "secretary-archives")
	}
	os.MkdirAll(archivesDir, 0755)

	return &Service{
		logger:      logger,
		archivesDir: archivesDir,
	}
}

// CreateArchive writes the zip bundle and returns its path.
func (s *Service) CreateArchive(ctx context.Context, name, markdown string, assets []models.Asset) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", fmt.Errorf("cannot archive empty markdown content")
	}

	base := sanitizeName(name)
	archivePath := filepath.Join(s.archivesDir, fmt.Sprintf("%s_%s.zip", base, time.Now().UTC().Format("20060102T150405")))

	file, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer file.Close()

	zw := zip.NewWriter(file)

	if err := writeEntry(zw, base+".md", []byte(markdown)); err != nil {
		zw.Close()
		return "", err
	}

	pdfBytes, err := RenderPDF(markdown)
	if err != nil {
		// The markdown entry is still worth shipping; record the miss.
		s.logger.Warn().Err(err).Str("archive", archivePath).Msg("PDF rendition failed, archiving markdown only")
	} else {
		if err := writeEntry(zw, base+".pdf", pdfBytes); err != nil {
			zw.Close()
			return "", err
		}
	}

	var external []models.Asset
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return "", err
		}
		if isExternal(asset.Path) {
			external = append(external, asset)
			continue
		}
		if err := copyAsset(zw, asset); err != nil {
			s.logger.Warn().Err(err).Str("asset", asset.Path).Msg("Skipping unreadable asset")
		}
	}

	if len(external) > 0 {
		if err := writeEntry(zw, "assets.txt", manifest(external)); err != nil {
			zw.Close()
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	s.logger.Info().Str("archive", archivePath).Int("assets", len(assets)).Msg("Archive created")
	return archivePath, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to archive: %w", name, err)
	}
	return nil
}

func copyAsset(zw *zip.Writer, asset models.Asset) error {
	src, err := os.Open(asset.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	name := asset.Name
	if name == "" {
		name = filepath.Base(asset.Path)
	}
	w, err := zw.Create(filepath.Join("assets", name))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func manifest(assets []models.Asset) []byte {
	var builder strings.Builder
	builder.WriteString("External assets referenced by this document:\n\n")
	for _, asset := range assets {
		fmt.Fprintf(&builder, "%s\t%s\n", asset.Name, asset.Path)
	}
	return []byte(builder.String())
}

func isExternal(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// sanitizeName reduces a human label to a safe file stem.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "document"
	}
	var builder strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			builder.WriteRune('_')
		}
	}
	out := strings.Trim(builder.String(), "_")
	if out == "" {
		return "document"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
