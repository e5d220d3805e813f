package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	inputs := []string{
		"What is 2+2?",
		"  padded  ",
		"<b>bold</b> claim",
		`<img src=x onerror="alert(1)">caption`,
		"<script>alert(1)</script>after",
		"a < b && c > d",
		`say "hi" & 'bye'`,
		"&lt;script&gt;alert(1)&lt;/script&gt;",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		require.Equal(t, once, Sanitize(once), "input %q", in)
		require.NotContains(t, strings.ToLower(once), "<script")
		require.NotContains(t, strings.ToLower(once), "<img")
		require.NotContains(t, once, "<b>")
	}

	require.Equal(t, "What is 2+2?", Sanitize("What is 2+2?"))
	require.Equal(t, "padded", Sanitize("  padded  "))
	require.Equal(t, "bold claim", Sanitize("<b>bold</b> claim"))
	require.Equal(t, "after", Sanitize("<script>alert(1)</script>after"))
	require.Empty(t, Sanitize("<style>p{}</style>"))

	require.Equal(t, "What's 2+2?", Sanitize("What's 2+2?"))
	require.Equal(t, `say "hi" &amp; 'bye'`, Sanitize(`say "hi" & 'bye'`))
	require.Equal(t, "'", Sanitize("&#39;"))
}
