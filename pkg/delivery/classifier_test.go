package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultClassifier_Statuses(t *testing.T) {
	t.Parallel()

	c := DefaultClassifier()
	cases := map[int]FailureClass{
		200: FailureNone,
		202: FailureNone,
		400: FailurePermanent,
		404: FailurePermanent,
		408: FailureTransient,
		422: FailurePermanent,
		425: FailureTransient,
		429: FailureTransient,
		500: FailureTransient,
		503: FailureTransient,
		302: FailureTransient,
		999: FailureTransient,
	}
	for code, want := range cases {
		require.Equal(t, want, c.ClassifyStatus(code), "status %d", code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestDefaultClassifier_Errors(t *testing.T) {
	t.Parallel()

	c := DefaultClassifier()
	var syntaxErr error
	{
		var v any
		syntaxErr = json.Unmarshal([]byte("{"), &v)
	}

	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureNone},
		{"explicit permanent", Permanent(errors.New("schema mismatch")), FailurePermanent},
		{"explicit transient", Transient(errors.New("busy")), FailureTransient},
		{"status 503 wrapped", fmt.Errorf("send: %w", &StatusError{Code: 503}), FailureTransient},
		{"status 400", &StatusError{Code: 400, Body: "bad"}, FailurePermanent},
		{"deadline", context.DeadlineExceeded, FailureTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, FailureTransient},
		{"malformed payload", fmt.Errorf("encode: %w", syntaxErr), FailurePermanent},
		{"unknown", errors.New("something odd"), FailureTransient},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.ClassifyError(tc.err), tc.name)
	}
}

func TestNewClassifier_RejectsOverlap(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(ClassifierConfig{
		Transient: ClassRules{Statuses: []int{409}},
		Permanent: ClassRules{Statuses: []int{409}},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClassifier(ClassifierConfig{Unknown: "sometimes"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseStatusRange(t *testing.T) {
	t.Parallel()

	r, err := ParseStatusRange("5xx")
	require.NoError(t, err)
	require.Equal(t, StatusRange{From: 500, To: 599}, r)

	r, err = ParseStatusRange(" 400-451 ")
	require.NoError(t, err)
	require.Equal(t, StatusRange{From: 400, To: 451}, r)

	r, err = ParseStatusRange("418")
	require.NoError(t, err)
	require.True(t, r.Contains(418))

	for _, bad := range []string{"", "x", "500-400", "axx"} {
		_, err := ParseStatusRange(bad)
		require.ErrorIs(t, err, ErrInvalidConfig, bad)
	}
}

func TestLoadClassifier_YAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "classifier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transient:
  statuses: [409]
unknown: permanent
`), 0o600))

	c, err := LoadClassifier(path)
	require.NoError(t, err)
	require.Equal(t, FailureTransient, c.ClassifyStatus(409))
	// Ranges not present in the file keep their defaults.
	require.Equal(t, FailureTransient, c.ClassifyStatus(502))
	require.Equal(t, FailurePermanent, c.ClassifyStatus(404))
	require.Equal(t, FailurePermanent, c.ClassifyStatus(302))
	require.Equal(t, FailurePermanent, c.ClassifyError(errors.New("odd")))
}

func TestLoadClassifier_TOML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "classifier.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
unknown = "transient"

[permanent]
statuses = [501]
ranges = ["400-499"]
`), 0o600))

	c, err := LoadClassifier(path)
	require.NoError(t, err)
	require.Equal(t, FailurePermanent, c.ClassifyStatus(501))
	require.Equal(t, FailureTransient, c.ClassifyStatus(500))
	require.Equal(t, FailureTransient, c.ClassifyStatus(429))

	cfg := c.Config()
	require.Equal(t, []int{501}, cfg.Permanent.Statuses)
	require.Equal(t, []string{"400-499"}, cfg.Permanent.Ranges)
}

func TestLoadClassifier_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "classifier.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	_, err := LoadClassifier(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
