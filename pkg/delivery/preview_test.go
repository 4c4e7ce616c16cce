package delivery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short", in: "short", max: 64, want: "short"},
		{name: "disabled", in: "anything", max: 0, want: ""},
		{name: "folds whitespace", in: "{\n  \"a\": 1\n}", max: 64, want: `{ "a": 1 }`},
		{name: "marks cut", in: "hello world", max: 5, want: "hello...(11 bytes)"},
		// "привет" is 12 bytes; byte 5 is inside the third rune.
		{name: "keeps runes whole", in: "привет", max: 5, want: "пр...(12 bytes)"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, preview(tt.in, tt.max))
		})
	}
}

func TestPreviewError(t *testing.T) {
	t.Parallel()

	require.Empty(t, previewError(nil, 10))
	require.Equal(t, "status 503", previewError(errors.New("status 503"), 64))
}
