// -----------------------------------------------------------------------
// Session Processor - conference session page to markdown transcript
// -----------------------------------------------------------------------

package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
	"github.com/bCommonsLAB/secretary/internal/models"
)

// maxBodySize bounds how much of a session page is read into memory.
const maxBodySize = 10 * 1024 * 1024

// Service implements interfaces.SessionProcessor: it fetches the session
// page, converts the content to markdown, and derives chapters from the
// page's heading structure.
type Service struct {
	client    *http.Client
	logger    arbor.ILogger
	userAgent string
}

var _ interfaces.SessionProcessor = (*Service)(nil)

// NewService creates a session processor from configuration.
func NewService(config *common.SessionConfig, logger arbor.ILogger) (*Service, error) {
	timeout, err := time.ParseDuration(config.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid session.request_timeout %q: %w", config.RequestTimeout, err)
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "secretary/1.0"
	}

	return &Service{
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		userAgent: userAgent,
	}, nil
}

// Process fetches the session page and assembles the transcript document.
func (s *Service) Process(ctx context.Context, req *interfaces.SessionRequest) (*interfaces.SessionResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("session url is required")
	}

	body, err := s.fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session page: %w", err)
	}

	chapters := extractChapters(doc)
	content, err := s.convertContent(req.URL, doc)
	if err != nil {
		return nil, err
	}

	result := &interfaces.SessionResult{
		Markdown: buildDocument(req, content, chapters),
		Chapters: chapters,
		Assets:   externalAssets(req),
	}

	s.logger.Debug().
		Str("url", req.URL).
		Int("markdown_len", len(result.Markdown)).
		Int("chapters", len(chapters)).
		Msg("Session page processed")

	return result, nil
}

func (s *Service) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session page %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session page %s returned %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read session page: %w", err)
	}
	return body, nil
}

// convertContent converts the main content of the page to markdown. The
// converter resolves relative links against the page's host.
func (s *Service) convertContent(pageURL string, doc *goquery.Document) (string, error) {
	// The converter expects a bare host and prefixes it onto relative links.
	domain := ""
	if parsed, err := url.Parse(pageURL); err == nil {
		domain = parsed.Host
	}

	// Prefer the page's main content element; fall back to body.
	selection := doc.Find("main, article, #content, .content").First()
	if selection.Length() == 0 {
		selection = doc.Find("body")
	}
	selection.Find("script, style, nav, header, footer").Remove()

	html, err := selection.Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize session content: %w", err)
	}

	converter := md.NewConverter(domain, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("failed to convert session content to markdown: %w", err)
	}
	return strings.TrimSpace(markdown), nil
}

// extractChapters derives chapters from the page's section headings. A
// heading's id or data-start attribute becomes the chapter start marker.
func extractChapters(doc *goquery.Document) []models.Chapter {
	var chapters []models.Chapter
	doc.Find("h2, h3").Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Text())
		if title == "" {
			return
		}
		start, ok := sel.Attr("data-start")
		if !ok {
			start, _ = sel.Attr("id")
		}
		chapters = append(chapters, models.Chapter{Title: title, Start: start})
	})
	return chapters
}

// buildDocument assembles the final transcript markdown: session metadata
// header, chapter index, then the converted content.
func buildDocument(req *interfaces.SessionRequest, content string, chapters []models.Chapter) string {
	var builder strings.Builder

	title := req.Session
	if title == "" {
		title = req.Event
	}
	fmt.Fprintf(&builder, "# %s\n\n", title)

	writeField := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&builder, "- **%s**: %s\n", label, value)
		}
	}
	writeField("Event", req.Event)
	writeField("Track", req.Track)
	writeField("Day", req.Day)
	if req.StartTime != "" || req.EndTime != "" {
		writeField("Time", strings.TrimSpace(req.StartTime+" - "+req.EndTime))
	}
	if len(req.Speakers) > 0 {
		writeField("Speakers", strings.Join(req.Speakers, ", "))
	}
	writeField("Source", req.URL)

	if len(chapters) > 0 {
		builder.WriteString("\n## Chapters\n\n")
		for i, chapter := range chapters {
			fmt.Fprintf(&builder, "%d. %s\n", i+1, chapter.Title)
		}
	}

	builder.WriteString("\n## Transcript\n\n")
	builder.WriteString(content)
	builder.WriteString("\n")

	return builder.String()
}

// externalAssets turns the request's media links into asset references.
// The blobs themselves stay with their origin.
func externalAssets(req *interfaces.SessionRequest) []models.Asset {
	var assets []models.Asset
	if req.VideoURL != "" {
		assets = append(assets, models.Asset{Name: "video", Path: req.VideoURL, ContentType: "video/*"})
	}
	if req.AttachmentsURL != "" {
		assets = append(assets, models.Asset{Name: "attachments", Path: req.AttachmentsURL})
	}
	return assets
}
