package models

import (
	"net/url"
	"strings"
)

// WebhookSpec is the caller-provided delivery target embedded in a job or
// batch. Token, when present, is sent as a bearer header, an
// X-Callback-Token header, and echoed inside the payload body.
type WebhookSpec struct {
	URL       string `json:"url"`
	Token     string `json:"token,omitempty"`
	JobIDEcho string `json:"job_id_echo,omitempty"`
}

// Validate enforces the enqueue-time contract: URL present and HTTPS.
func (w *WebhookSpec) Validate() error {
	if strings.TrimSpace(w.URL) == "" {
		return NewValidationError("webhook url is required")
	}
	parsed, err := url.Parse(w.URL)
	if err != nil {
		return NewValidationError("webhook url is not a valid URL: " + err.Error())
	}
	if parsed.Scheme != "https" {
		return NewValidationError("webhook url must use https")
	}
	if parsed.Host == "" {
		return NewValidationError("webhook url is missing a host")
	}
	return nil
}
