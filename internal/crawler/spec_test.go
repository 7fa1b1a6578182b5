package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobSpecNormalizeDropsBlankPairs(t *testing.T) {
	t.Parallel()

	spec := JobSpec{
		StartURL: "  https://example.com  ",
		Selectors: map[string]string{
			"title": " h1 ",
			"":      "p",
			"empty": "   ",
		},
	}.Normalize()

	require.Equal(t, "https://example.com", spec.StartURL)
	require.Equal(t, map[string]string{"title": "h1"}, spec.Selectors)
	require.Equal(t, BackendNative, spec.Backend)
}

func TestJobSpecValidate(t *testing.T) {
	t.Parallel()

	valid := JobSpec{StartURL: "https://example.com", MaxDepth: 3, Backend: BackendNative}
	require.NoError(t, valid.Validate(10))

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing url", JobSpec{MaxDepth: 1, Backend: BackendNative}},
		{"relative url", JobSpec{StartURL: "/path", MaxDepth: 1, Backend: BackendNative}},
		{"unsupported scheme", JobSpec{StartURL: "ftp://example.com", MaxDepth: 1, Backend: BackendNative}},
		{"depth too low", JobSpec{StartURL: "https://example.com", MaxDepth: 0, Backend: BackendNative}},
		{"depth too high", JobSpec{StartURL: "https://example.com", MaxDepth: 11, Backend: BackendNative}},
		{"unknown backend", JobSpec{StartURL: "https://example.com", MaxDepth: 1, Backend: "scrapy"}},
		{"spider with dynamic", JobSpec{
			StartURL: "https://example.com", MaxDepth: 1, Backend: BackendSpider, UseDynamicEngine: true,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.spec.Validate(10)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidSpec))
		})
	}
}

func TestJobSpecValidateDefaultLimit(t *testing.T) {
	t.Parallel()

	spec := JobSpec{StartURL: "https://example.com", MaxDepth: DefaultMaxDepth, Backend: BackendNative}
	require.NoError(t, spec.Validate(0))
	spec.MaxDepth = DefaultMaxDepth + 1
	require.Error(t, spec.Validate(0))
}
