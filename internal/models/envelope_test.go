package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParametersUnknownKeysFoldIntoExtra(t *testing.T) {
	raw := `{
		"source_language": "de",
		"template": "meeting-notes",
		"create_archive": true,
		"event": "FOSDEM",
		"speakers": ["alice", "bob"],
		"file_source": {"type": "url", "value": "https://example.com/a.pdf"}
	}`

	var params JobParameters
	require.NoError(t, json.Unmarshal([]byte(raw), &params))

	assert.Equal(t, "de", params.SourceLanguage)
	assert.Equal(t, "meeting-notes", params.Template)
	assert.True(t, params.CreateArchive)

	event, ok := params.GetExtraString("event")
	require.True(t, ok)
	assert.Equal(t, "FOSDEM", event)

	source, ok := params.GetExtraMap("file_source")
	require.True(t, ok)
	assert.Equal(t, "url", source["type"])
}

func TestParametersRoundTripIsLossless(t *testing.T) {
	original := JobParameters{
		TargetLanguage: "en",
		UseCache:       true,
		Context:        map[string]any{"audience": "developers"},
		Extra: map[string]any{
			"custom_flag": true,
			"nested":      map[string]any{"depth": float64(2)},
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded JobParameters
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestParametersExplicitExtraKeySurvives(t *testing.T) {
	// A client may send the nested form directly; it must decode the same
	// way the flat form does.
	raw := `{"extra": {"url": "https://example.com/talk"}}`

	var params JobParameters
	require.NoError(t, json.Unmarshal([]byte(raw), &params))

	url, ok := params.GetExtraString("url")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/talk", url)
}

func TestParametersRejectNonObject(t *testing.T) {
	var params JobParameters
	assert.Error(t, json.Unmarshal([]byte(`"just a string"`), &params))
	assert.Error(t, json.Unmarshal([]byte(`[1, 2]`), &params))
}

func TestParametersEmptyMarshalsToEmptyObject(t *testing.T) {
	data, err := json.Marshal(JobParameters{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestResultsRoundTrip(t *testing.T) {
	original := JobResults{
		MarkdownContent: "# Title\n\nbody",
		Transcript:      "# Title\n\nbody",
		Chapters:        []Chapter{{Title: "Intro", Start: "00:00"}},
		Assets:          []Asset{{Name: "video", Path: "https://example.com/v.mp4", ContentType: "video/*"}},
		ArchivePath:     "/data/archives/title.zip",
		Extra:           map[string]any{"page_count": float64(3)},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded JobResults
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestResultsUnknownKeysFoldIntoExtra(t *testing.T) {
	raw := `{"markdown_content": "# x", "extraction_method": "native"}`

	var results JobResults
	require.NoError(t, json.Unmarshal([]byte(raw), &results))

	assert.Equal(t, "# x", results.MarkdownContent)
	assert.Equal(t, "native", results.Extra["extraction_method"])
}

func TestGetExtraHelpersTypeMismatch(t *testing.T) {
	params := JobParameters{Extra: map[string]any{"count": float64(3)}}

	_, ok := params.GetExtraString("count")
	assert.False(t, ok)
	_, ok = params.GetExtraBool("count")
	assert.False(t, ok)
	_, ok = params.GetExtraMap("count")
	assert.False(t, ok)
	_, ok = params.GetExtraString("missing")
	assert.False(t, ok)
}
