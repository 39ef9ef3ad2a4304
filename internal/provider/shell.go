package provider

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	shellquote "github.com/kballard/go-shellquote"
)

// isText reports whether content can travel through a heredoc unchanged.
func isText(content string) bool {
	return utf8.ValidString(content) && !strings.ContainsRune(content, 0)
}

// heredocWrite builds a shell line that writes content to abs verbatim. The
// quoted delimiter disables expansion inside the body.
func heredocWrite(abs, content string) string {
	marker := heredocMarker(content)
	body := content
	trimmed := strings.HasSuffix(body, "\n")
	if trimmed {
		body = strings.TrimSuffix(body, "\n")
	}

	var b strings.Builder
	b.WriteString("mkdir -p ")
	b.WriteString(shellquote.Join(dirOf(abs)))
	b.WriteString(" && cat > ")
	b.WriteString(shellquote.Join(abs))
	b.WriteString(" <<'")
	b.WriteString(marker)
	b.WriteString("'\n")
	b.WriteString(body)
	b.WriteString("\n")
	b.WriteString(marker)
	if !trimmed {
		// heredocs always end in a newline
		b.WriteString("\ntruncate -s -1 ")
		b.WriteString(shellquote.Join(abs))
	}
	return b.String()
}

func heredocMarker(content string) string {
	for {
		buf := make([]byte, 6)
		_, _ = rand.Read(buf)
		marker := "PREVIEW_EOF_" + hex.EncodeToString(buf)
		if !strings.Contains(content, marker) {
			return marker
		}
	}
}
