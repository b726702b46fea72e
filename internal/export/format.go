package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatexport/backend/internal/telegram"
)

type nowFunc func() time.Time

func defaultNow() time.Time { return time.Now().UTC() }

// renderLines turns fetched messages into chronological artifact lines.
// Streams arrive newest first; the artifact reads oldest first. Messages with
// no visible content (service messages) are skipped; media renders as a
// bracketed placeholder next to any caption.
func renderLines(messages []telegram.Message) []string {
	lines := make([]string, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		line, ok := renderLine(messages[i])
		if !ok {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func renderLine(msg telegram.Message) (string, bool) {
	content := msg.Text
	if msg.Media != "" {
		placeholder := fmt.Sprintf("[%s]", msg.Media)
		if content == "" {
			content = placeholder
		} else {
			content = content + " " + placeholder
		}
	}
	if content == "" {
		return "", false
	}

	sender := msg.Sender
	if sender == "" {
		sender = "unknown"
	}

	return fmt.Sprintf("[%s] %s: %s", msg.Date.UTC().Format("2006-01-02 15:04"), sender, content), true
}

// buildArtifact assembles the export file: a short header followed by one
// line per message.
func buildArtifact(title string, mode Mode, exportedAt time.Time, lines []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Chat: %s\n", title)
	fmt.Fprintf(&b, "Exported: %s\n", exportedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Mode: %s\n", mode)
	fmt.Fprintf(&b, "Messages: %d\n\n", len(lines))
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// artifactName builds the object key for an export. The uuid keeps repeated
// exports of the same conversation from overwriting each other.
func artifactName(req Request) string {
	return fmt.Sprintf("exports/%d/%d-%s-%s.txt", req.UserID, req.ChatID, req.Kind, uuid.NewString())
}
