package pdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/interfaces"
)

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractReturnsCachedResult(t *testing.T) {
	svc := NewService(nil, arbor.NewLogger(), t.TempDir())
	path := writeDoc(t, "%PDF-1.4 sample")

	req := &interfaces.PDFExtractionRequest{
		FilePath: path,
		Method:   interfaces.PDFMethodNative,
		UseCache: true,
	}
	key, err := svc.cacheKey(req)
	require.NoError(t, err)
	svc.storeExtraction(key, &interfaces.PDFExtraction{Markdown: "# cached", PageCount: 3})

	// The cached result is served without re-reading the document.
	got, err := svc.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "# cached", got.Markdown)
	assert.Equal(t, 3, got.PageCount)
}

func TestCacheKeyVariesWithRequestOptions(t *testing.T) {
	svc := NewService(nil, arbor.NewLogger(), t.TempDir())
	path := writeDoc(t, "%PDF-1.4 sample")

	native, err := svc.cacheKey(&interfaces.PDFExtractionRequest{FilePath: path, Method: interfaces.PDFMethodNative})
	require.NoError(t, err)
	llm, err := svc.cacheKey(&interfaces.PDFExtractionRequest{FilePath: path, Method: interfaces.PDFMethodLLM})
	require.NoError(t, err)
	templated, err := svc.cacheKey(&interfaces.PDFExtractionRequest{FilePath: path, Method: interfaces.PDFMethodLLM, Template: "invoice"})
	require.NoError(t, err)

	assert.NotEqual(t, native, llm)
	assert.NotEqual(t, llm, templated)

	again, err := svc.cacheKey(&interfaces.PDFExtractionRequest{FilePath: path, Method: interfaces.PDFMethodNative})
	require.NoError(t, err)
	assert.Equal(t, native, again)
}

func TestExtractWithoutCacheIgnoresStoredResults(t *testing.T) {
	svc := NewService(nil, arbor.NewLogger(), t.TempDir())
	path := writeDoc(t, "not a pdf at all")

	req := &interfaces.PDFExtractionRequest{FilePath: path, Method: interfaces.PDFMethodNative}
	key, err := svc.cacheKey(&interfaces.PDFExtractionRequest{FilePath: path, Method: interfaces.PDFMethodNative, UseCache: true})
	require.NoError(t, err)
	svc.storeExtraction(key, &interfaces.PDFExtraction{Markdown: "# cached"})

	// Without UseCache the document is actually parsed, which fails here
	// because the file is not a PDF.
	_, err = svc.Extract(context.Background(), req)
	require.Error(t, err)
}
