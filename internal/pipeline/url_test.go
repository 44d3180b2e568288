package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL_CanonicalForm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", "https://example.com/a", "https://example.com/a"},
		{"uppercase scheme and host", "HTTPS://WWW.Example.com/a/?x=1#f", "https://example.com/a"},
		{"http coerced to https", "http://example.com/clip/42", "https://example.com/clip/42"},
		{"www stripped", "https://www.example.com/a", "https://example.com/a"},
		{"trailing slash stripped", "https://example.com/a/", "https://example.com/a"},
		{"root slash stripped", "https://example.com/", "https://example.com"},
		{"query stripped", "https://example.com/a?utm_source=feed", "https://example.com/a"},
		{"fragment stripped", "https://example.com/a#t=120", "https://example.com/a"},
		{"default https port stripped", "https://example.com:443/a", "https://example.com/a"},
		{"default http port stripped", "http://example.com:80/a", "https://example.com/a"},
		{"explicit port kept", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"schemeless input", "example.com/watch/99", "https://example.com/watch/99"},
		{"uppercase path lowered", "https://example.com/Watch/AbC", "https://example.com/watch/abc"},
		{"surrounding whitespace", "  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_SameItemEquivalence(t *testing.T) {
	t.Parallel()

	a, err := NormalizeURL("HTTPS://WWW.Example.com/a/?x=1#f")
	require.NoError(t, err)
	b, err := NormalizeURL("https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, b, a)
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"HTTPS://WWW.Example.com/a/?x=1#f",
		"http://example.com:80/Watch/42/",
		"https://www.www.example.com/a",
		"example.com",
		"https://example.com:8443/A/B/",
		"https://example.com/a?x=1&y=2#frag",
	}
	for _, in := range inputs {
		once, err := NormalizeURL(in)
		require.NoError(t, err, "input %q", in)
		twice, err := NormalizeURL(once)
		require.NoError(t, err, "normalized %q", once)
		require.Equal(t, once, twice, "normalization of %q is not a fixed point", in)
	}
}

func TestNormalizeURL_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "mailto:ops@example.com", "https://"} {
		_, err := NormalizeURL(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://example.com/a"))
	require.Equal(t, "example.com", Host("EXAMPLE.com"))
	require.Equal(t, "unknown", Host(""))
	require.Equal(t, "unknown", Host("://bad"))
}
