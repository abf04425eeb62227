package interfaces

import (
	"context"

	"github.com/bCommonsLAB/secretary/internal/models"
)

// PDFExtractionMethod selects how a PDF is turned into markdown.
type PDFExtractionMethod string

const (
	PDFMethodNative        PDFExtractionMethod = "native"
	PDFMethodOCR           PDFExtractionMethod = "ocr"
	PDFMethodLLM           PDFExtractionMethod = "llm"
	PDFMethodLLMAndNative  PDFExtractionMethod = "llm_and_native"
	PDFMethodLLMAndOCR     PDFExtractionMethod = "llm_and_ocr"
	PDFMethodPreview       PDFExtractionMethod = "preview"
	PDFMethodPreviewNative PDFExtractionMethod = "preview_and_native"
)

// Valid reports whether m is a supported extraction method.
func (m PDFExtractionMethod) Valid() bool {
	switch m {
	case PDFMethodNative, PDFMethodOCR, PDFMethodLLM, PDFMethodLLMAndNative,
		PDFMethodLLMAndOCR, PDFMethodPreview, PDFMethodPreviewNative:
		return true
	}
	return false
}

// PDFExtractionRequest describes one PDF extraction run. UseCache lets the
// processor reuse a prior extraction of the same document instead of
// re-running the llm/ocr pipelines.
type PDFExtractionRequest struct {
	FilePath      string
	Method        PDFExtractionMethod
	Template      string
	Context       map[string]any
	IncludeImages bool
	UseCache      bool
}

// PDFPage is the extracted content of a single page.
type PDFPage struct {
	PageNumber int
	Text       string
}

// PDFExtraction is the result of a PDF extraction run.
type PDFExtraction struct {
	Markdown  string
	PageCount int
	Pages     []PDFPage
	Images    []models.Asset
}

// PDFProcessor drives PDF extraction. The OCR/LLM pipelines behind it are
// external collaborators of the job core.
type PDFProcessor interface {
	Extract(ctx context.Context, req *PDFExtractionRequest) (*PDFExtraction, error)
}

// SessionRequest describes one conference-session extraction run.
type SessionRequest struct {
	Event          string
	Session        string
	URL            string
	Filename       string
	Track          string
	Day            string
	StartTime      string
	EndTime        string
	Speakers       []string
	VideoURL       string
	AttachmentsURL string
	SourceLanguage string
	TargetLanguage string
}

// SessionResult is the processed output for a session.
type SessionResult struct {
	Markdown string
	Chapters []models.Chapter
	Assets   []models.Asset
}

// SessionProcessor drives the session extraction pipeline (page fetch,
// transcript assembly, chapter detection).
type SessionProcessor interface {
	Process(ctx context.Context, req *SessionRequest) (*SessionResult, error)
}

// Message is a single LLM conversation turn.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// LLMService generates completions. Providers are selected by the factory
// in services/llm.
type LLMService interface {
	Chat(ctx context.Context, messages []Message) (string, error)

	// Describe runs a vision prompt over a single image and returns the
	// model's text output. Used by the OCR extraction paths.
	Describe(ctx context.Context, mimeType string, image []byte, prompt string) (string, error)

	Close() error
}

// Archiver bundles a markdown document and its assets into a distributable
// archive and returns the archive path.
type Archiver interface {
	CreateArchive(ctx context.Context, name, markdown string, assets []models.Asset) (string, error)
}
