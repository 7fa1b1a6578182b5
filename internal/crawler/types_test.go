package crawler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusStopped.Terminal())
	require.True(t, JobStatusError.Terminal())
}

func TestJobCloneIsDeep(t *testing.T) {
	t.Parallel()

	end := time.Unix(100, 0)
	job := Job{ID: "job-1", Selectors: map[string]string{"title": "h1"}, EndTime: &end}
	cp := job.Clone()
	cp.Selectors["title"] = "h2"
	*cp.EndTime = time.Unix(200, 0)

	require.Equal(t, "h1", job.Selectors["title"])
	require.Equal(t, time.Unix(100, 0), *job.EndTime)
}

func TestFieldValueJSONShape(t *testing.T) {
	t.Parallel()

	single, err := json.Marshal(FieldValue{"only"})
	require.NoError(t, err)
	require.JSONEq(t, `"only"`, string(single))

	many, err := json.Marshal(FieldValue{"a", "b"})
	require.NoError(t, err)
	require.JSONEq(t, `["a","b"]`, string(many))

	var decoded map[string]FieldValue
	require.NoError(t, json.Unmarshal([]byte(`{"x":"one","y":["1","2"]}`), &decoded))
	require.Equal(t, FieldValue{"one"}, decoded["x"])
	require.Equal(t, FieldValue{"1", "2"}, decoded["y"])

	require.Error(t, json.Unmarshal([]byte(`{"x":42}`), &decoded))
}

func TestFieldValueString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a", FieldValue{"a"}.String())
	require.Equal(t, "a | b", FieldValue{"a", "b"}.String())
}

func TestRecordQueryEffectiveLimit(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultRecordLimit, RecordQuery{}.EffectiveLimit())
	require.Equal(t, 5, RecordQuery{Limit: 5}.EffectiveLimit())
}

func TestExtractedRecordCloneAndDomain(t *testing.T) {
	t.Parallel()

	rec := ExtractedRecord{
		URL:      "https://Shop.Example.com:8443/item?id=1",
		Fields:   map[string]FieldValue{"tags": {"a", "b"}},
		Warnings: []string{"w"},
	}
	cp := rec.Clone()
	cp.Fields["tags"][0] = "z"
	cp.Warnings[0] = "changed"

	require.Equal(t, FieldValue{"a", "b"}, rec.Fields["tags"])
	require.Equal(t, []string{"w"}, rec.Warnings)
	require.Equal(t, "shop.example.com", rec.Domain())
}
