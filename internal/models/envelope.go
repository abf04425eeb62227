// -----------------------------------------------------------------------
// Parameter / result envelopes - typed common fields + open "extra" map
// -----------------------------------------------------------------------

package models

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
)

func init() {
	// Register the container types that appear inside Extra/Context values
	// with gob for BadgerDB serialization.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// JobParameters is the handler input envelope. A small set of fields is
// recognised by generic tooling; everything type-specific lives in Extra.
// Serialisation is lossless: unknown top-level keys fold into Extra on
// decode, and Extra is emitted as a nested "extra" object on encode.
type JobParameters struct {
	SourceLanguage string         `json:"source_language,omitempty"`
	TargetLanguage string         `json:"target_language,omitempty"`
	Template       string         `json:"template,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	UseCache       bool           `json:"use_cache,omitempty"`
	CreateArchive  bool           `json:"create_archive,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

func (p JobParameters) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if p.SourceLanguage != "" {
		m["source_language"] = p.SourceLanguage
	}
	if p.TargetLanguage != "" {
		m["target_language"] = p.TargetLanguage
	}
	if p.Template != "" {
		m["template"] = p.Template
	}
	if len(p.Context) > 0 {
		m["context"] = p.Context
	}
	if p.UseCache {
		m["use_cache"] = true
	}
	if p.CreateArchive {
		m["create_archive"] = true
	}
	if len(p.Extra) > 0 {
		m["extra"] = p.Extra
	}
	return json.Marshal(m)
}

func (p *JobParameters) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parameters must be an object: %w", err)
	}

	*p = JobParameters{}
	for key, val := range raw {
		var err error
		switch key {
		case "source_language":
			err = json.Unmarshal(val, &p.SourceLanguage)
		case "target_language":
			err = json.Unmarshal(val, &p.TargetLanguage)
		case "template":
			err = json.Unmarshal(val, &p.Template)
		case "context":
			err = json.Unmarshal(val, &p.Context)
		case "use_cache":
			err = json.Unmarshal(val, &p.UseCache)
		case "create_archive":
			err = json.Unmarshal(val, &p.CreateArchive)
		case "extra":
			err = json.Unmarshal(val, &p.Extra)
		default:
			// Unknown top-level keys survive the round trip through Extra.
			var v any
			if err = json.Unmarshal(val, &v); err == nil {
				if p.Extra == nil {
					p.Extra = make(map[string]any)
				}
				p.Extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("parameters field %q: %w", key, err)
		}
	}
	return nil
}

// GetExtraString retrieves a string value from Extra.
func (p *JobParameters) GetExtraString(key string) (string, bool) {
	val, ok := p.Extra[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetExtraBool retrieves a bool value from Extra.
func (p *JobParameters) GetExtraBool(key string) (bool, bool) {
	val, ok := p.Extra[key]
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// GetExtraMap retrieves a nested object from Extra.
func (p *JobParameters) GetExtraMap(key string) (map[string]any, bool) {
	val, ok := p.Extra[key]
	if !ok {
		return nil, false
	}
	m, ok := val.(map[string]any)
	return m, ok
}

// Chapter is one named section of a transcript.
type Chapter struct {
	Title string `json:"title"`
	Start string `json:"start,omitempty"`
}

// Asset references one produced artifact. Blob lifecycle is external; only
// the reference is persisted.
type Asset struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// JobResults is the handler output envelope, same typed-common + open shape
// as JobParameters.
type JobResults struct {
	MarkdownContent string         `json:"markdown_content,omitempty"`
	Transcript      string         `json:"transcript,omitempty"`
	Chapters        []Chapter      `json:"chapters,omitempty"`
	Assets          []Asset        `json:"assets,omitempty"`
	ArchivePath     string         `json:"archive_path,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

func (r JobResults) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if r.MarkdownContent != "" {
		m["markdown_content"] = r.MarkdownContent
	}
	if r.Transcript != "" {
		m["transcript"] = r.Transcript
	}
	if len(r.Chapters) > 0 {
		m["chapters"] = r.Chapters
	}
	if len(r.Assets) > 0 {
		m["assets"] = r.Assets
	}
	if r.ArchivePath != "" {
		m["archive_path"] = r.ArchivePath
	}
	if len(r.Extra) > 0 {
		m["extra"] = r.Extra
	}
	return json.Marshal(m)
}

func (r *JobResults) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("results must be an object: %w", err)
	}

	*r = JobResults{}
	for key, val := range raw {
		var err error
		switch key {
		case "markdown_content":
			err = json.Unmarshal(val, &r.MarkdownContent)
		case "transcript":
			err = json.Unmarshal(val, &r.Transcript)
		case "chapters":
			err = json.Unmarshal(val, &r.Chapters)
		case "assets":
			err = json.Unmarshal(val, &r.Assets)
		case "archive_path":
			err = json.Unmarshal(val, &r.ArchivePath)
		case "extra":
			err = json.Unmarshal(val, &r.Extra)
		default:
			var v any
			if err = json.Unmarshal(val, &v); err == nil {
				if r.Extra == nil {
					r.Extra = make(map[string]any)
				}
				r.Extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("results field %q: %w", key, err)
		}
	}
	return nil
}
