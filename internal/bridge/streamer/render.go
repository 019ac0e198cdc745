package streamer

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// htmlPolicy sanitizes agent-authored HTML before it rides as a message's
// formatted_body. An agent's output is untrusted: a malicious or buggy
// agent could otherwise inject script-bearing HTML into a Matrix room via
// its own reply text.
var htmlPolicy = bluemonday.UGCPolicy()

// formattedBody returns a sanitized HTML rendering of an agent's reply
// text, or "" if the text carries no HTML markup worth sending as
// formatted_body (the plain body is sent either way).
func formattedBody(text string) string {
	if !strings.ContainsAny(text, "<>") {
		return ""
	}
	return htmlPolicy.Sanitize(text)
}
