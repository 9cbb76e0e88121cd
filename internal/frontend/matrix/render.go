// ABOUTME: Markdown to HTML rendering for Matrix formatted bodies
// ABOUTME: Raw HTML in the source is dropped, so callers cannot inject markup

package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

var markdown = goldmark.New()

// RenderHTML converts Markdown text to the HTML used in formatted_body.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
