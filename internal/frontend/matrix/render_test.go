// ABOUTME: Golden-file tests for Markdown to Matrix HTML rendering
// ABOUTME: Run with -update to regenerate testdata

package matrix

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestRenderHTML_Golden(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain", "Your order has shipped."},
		{"emphasis", "**hello** world"},
		{"link", "Track it [here](https://example.com/track)"},
		{"list", "- one\n- two"},
		{"raw_html", "<script>alert(1)</script>"},
		{"escaping", "a < b & c"},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html, err := RenderHTML(tt.input)
			require.NoError(t, err)
			g.Assert(t, "render_"+tt.name, []byte(html))
		})
	}
}
