// -----------------------------------------------------------------------
// PDF Processor - native pdfcpu extraction plus LLM/OCR pipelines
// -----------------------------------------------------------------------

package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// Service implements interfaces.PDFProcessor. Native text extraction runs
// through pdfcpu; the llm methods refine the native text with the configured
// LLM provider, and the ocr methods transcribe extracted page images through
// the provider's vision endpoint.
//
// Requests with UseCache set reuse the extraction of an identical document
// (same content, method, template and context), which spares repeated LLM
// calls when the same file is enqueued more than once.
type Service struct {
	llm       interfaces.LLMService
	logger    arbor.ILogger
	assetsDir string

	cacheMu sync.Mutex
	cache   map[string]*interfaces.PDFExtraction
}

var _ interfaces.PDFProcessor = (*Service)(nil)

// NewService creates a PDF processor. llm may be nil, in which case the
// llm and ocr extraction methods report an error at run time. Extracted
// page images are persisted under assetsDir.
func NewService(llm interfaces.LLMService, logger arbor.ILogger, assetsDir string) *Service {
	if assetsDir == "" {
		assetsDir = filepath.Join(os.TempDir(), "secretary-assets")
	}
	os.MkdirAll(assetsDir, 0755)

	return &Service{
		llm:       llm,
		logger:    logger,
		assetsDir: assetsDir,
		cache:     make(map[string]*interfaces.PDFExtraction),
	}
}

// Extract runs one extraction. The method decides which pipeline produces
// the markdown; IncludeImages additionally persists embedded page images as
// assets regardless of method.
func (s *Service) Extract(ctx context.Context, req *interfaces.PDFExtractionRequest) (*interfaces.PDFExtraction, error) {
	if req.FilePath == "" {
		return nil, fmt.Errorf("pdf file path is required")
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("unsupported extraction method %q", req.Method)
	}

	var cacheKey string
	if req.UseCache {
		key, err := s.cacheKey(req)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", req.FilePath).Msg("Failed to compute extraction cache key")
		} else {
			cacheKey = key
			if cached := s.cachedExtraction(cacheKey); cached != nil {
				s.logger.Debug().Str("file", req.FilePath).Str("method", string(req.Method)).Msg("Reusing cached extraction")
				return cached, nil
			}
		}
	}

	pdfCtx, err := api.ReadContextFile(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF %s: %w", req.FilePath, err)
	}
	pageCount := pdfCtx.PageCount

	s.logger.Debug().
		Str("file", req.FilePath).
		Str("method", string(req.Method)).
		Int("page_count", pageCount).
		Msg("Starting PDF extraction")

	result := &interfaces.PDFExtraction{PageCount: pageCount}

	switch req.Method {
	case interfaces.PDFMethodNative:
		result.Pages, err = s.extractPageTexts(req.FilePath, pageCount, 0)
		if err != nil {
			return nil, err
		}
		result.Markdown = joinPages(result.Pages)

	case interfaces.PDFMethodPreview:
		result.Pages, err = s.extractPageTexts(req.FilePath, pageCount, 1)
		if err != nil {
			return nil, err
		}
		result.Markdown = joinPages(result.Pages)

	case interfaces.PDFMethodPreviewNative:
		result.Pages, err = s.extractPageTexts(req.FilePath, pageCount, 0)
		if err != nil {
			return nil, err
		}
		result.Markdown = previewSection(result.Pages) + joinPages(result.Pages)

	case interfaces.PDFMethodLLM, interfaces.PDFMethodLLMAndNative:
		result.Pages, err = s.extractPageTexts(req.FilePath, pageCount, 0)
		if err != nil {
			return nil, err
		}
		refined, err := s.refineWithLLM(ctx, joinPages(result.Pages), req)
		if err != nil {
			return nil, err
		}
		result.Markdown = refined
		if req.Method == interfaces.PDFMethodLLMAndNative {
			result.Markdown += "\n\n## Extracted Text\n\n" + joinPages(result.Pages)
		}

	case interfaces.PDFMethodOCR, interfaces.PDFMethodLLMAndOCR:
		ocrText, images, err := s.transcribeImages(ctx, req.FilePath)
		if err != nil {
			return nil, err
		}
		result.Images = images
		result.Markdown = ocrText
		if req.Method == interfaces.PDFMethodLLMAndOCR {
			refined, err := s.refineWithLLM(ctx, ocrText, req)
			if err != nil {
				return nil, err
			}
			result.Markdown = refined
		}
	}

	if req.IncludeImages && len(result.Images) == 0 {
		images, err := s.extractImages(req.FilePath)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", req.FilePath).Msg("Failed to extract embedded images")
		} else {
			result.Images = images
		}
	}

	if strings.TrimSpace(result.Markdown) == "" {
		return nil, fmt.Errorf("extraction produced no text (method %s, %d pages)", req.Method, pageCount)
	}

	if cacheKey != "" {
		s.storeExtraction(cacheKey, result)
	}
	return result, nil
}

// cacheKey hashes the document content together with the request options
// that change the output.
func (s *Service) cacheKey(req *interfaces.PDFExtractionRequest) (string, error) {
	file, err := os.Open(req.FilePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	fmt.Fprintf(hash, "|%s|%s|%t", req.Method, req.Template, req.IncludeImages)
	for _, key := range sortedKeys(req.Context) {
		fmt.Fprintf(hash, "|%s=%v", key, req.Context[key])
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (s *Service) cachedExtraction(key string) *interfaces.PDFExtraction {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache[key]
}

func (s *Service) storeExtraction(key string, extraction *interfaces.PDFExtraction) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = extraction
}

// extractPageTexts pulls per-page text through pdfcpu content extraction.
// maxPages of 0 means all pages.
func (s *Service) extractPageTexts(filePath string, pageCount, maxPages int) ([]interfaces.PDFPage, error) {
	outDir, err := os.MkdirTemp("", "secretary-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	var selected []string
	limit := pageCount
	if maxPages > 0 && maxPages < pageCount {
		limit = maxPages
		selected = []string{fmt.Sprintf("1-%d", limit)}
	}

	if err := api.ExtractContentFile(filePath, outDir, selected, conf); err != nil {
		return nil, fmt.Errorf("failed to extract PDF content: %w", err)
	}

	pageTexts := make(map[int]string)
	entries, _ := os.ReadDir(outDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(entry.Name(), "Content_page_%d", &pageNum); err != nil {
			if _, err := fmt.Sscanf(entry.Name(), "page_%d", &pageNum); err != nil {
				continue
			}
		}
		pageTexts[pageNum] = string(content)
	}

	pages := make([]interfaces.PDFPage, 0, limit)
	for pageNum := 1; pageNum <= limit; pageNum++ {
		pages = append(pages, interfaces.PDFPage{
			PageNumber: pageNum,
			Text:       strings.TrimSpace(pageTexts[pageNum]),
		})
	}
	return pages, nil
}

// transcribeImages renders the document's embedded page images and runs
// each through the LLM vision endpoint.
func (s *Service) transcribeImages(ctx context.Context, filePath string) (string, []models.Asset, error) {
	if s.llm == nil {
		return "", nil, fmt.Errorf("ocr extraction requires a configured LLM provider")
	}

	images, err := s.extractImages(filePath)
	if err != nil {
		return "", nil, err
	}
	if len(images) == 0 {
		return "", nil, fmt.Errorf("document contains no extractable images for ocr")
	}

	var builder strings.Builder
	for i, asset := range images {
		data, err := os.ReadFile(asset.Path)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read extracted image %s: %w", asset.Path, err)
		}
		text, err := s.llm.Describe(ctx, asset.ContentType, data,
			"Transcribe all text visible in this page image as clean markdown. Preserve headings, lists and tables.")
		if err != nil {
			return "", nil, fmt.Errorf("vision transcription failed for %s: %w", asset.Name, err)
		}
		if i > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(strings.TrimSpace(text))
	}

	return builder.String(), images, nil
}

// extractImages persists the document's embedded images under assetsDir and
// returns asset references.
func (s *Service) extractImages(filePath string) ([]models.Asset, error) {
	outDir, err := os.MkdirTemp(s.assetsDir, "pages-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractImagesFile(filePath, outDir, nil, conf); err != nil {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("failed to extract PDF images: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted images: %w", err)
	}

	var assets []models.Asset
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		assets = append(assets, models.Asset{
			Name:        entry.Name(),
			Path:        filepath.Join(outDir, entry.Name()),
			ContentType: imageContentType(entry.Name()),
			Size:        info.Size(),
		})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })

	if len(assets) == 0 {
		os.RemoveAll(outDir)
	}
	return assets, nil
}

// refineWithLLM turns raw extracted text into structured markdown following
// the requested template and document context.
func (s *Service) refineWithLLM(ctx context.Context, text string, req *interfaces.PDFExtractionRequest) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("llm extraction requires a configured LLM provider")
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text available for llm refinement")
	}

	var system strings.Builder
	system.WriteString("You convert raw text extracted from PDF documents into well-structured markdown. ")
	system.WriteString("Fix broken line wraps, restore headings and lists, and drop page furniture such as headers, footers and page numbers.")
	if req.Template != "" {
		fmt.Fprintf(&system, " Structure the output following the %q template.", req.Template)
	}
	for _, key := range sortedKeys(req.Context) {
		fmt.Fprintf(&system, " Document %s: %v.", key, req.Context[key])
	}

	messages := []interfaces.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: text},
	}

	refined, err := s.llm.Chat(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("llm refinement failed: %w", err)
	}
	return strings.TrimSpace(refined), nil
}

func joinPages(pages []interfaces.PDFPage) string {
	var builder strings.Builder
	for _, page := range pages {
		if page.Text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(page.Text)
	}
	return builder.String()
}

// previewSection renders the first page as a leading excerpt block.
func previewSection(pages []interfaces.PDFPage) string {
	if len(pages) == 0 || pages[0].Text == "" {
		return ""
	}
	return "## Preview\n\n" + pages[0].Text + "\n\n---\n\n"
}

func imageContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
