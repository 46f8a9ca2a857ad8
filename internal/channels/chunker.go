package channels

import (
	"strings"
	"unicode"
)

// SplitMessage splits text into chunks of at most max bytes. Chunks break on
// line boundaries, falling back to word boundaries inside overlong lines, and
// fenced code blocks stay valid: a block cut at a chunk boundary is closed
// there and reopened with its original fence line in the next chunk.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = 4000
	}
	if text == "" {
		return nil
	}
	if len(text) <= max {
		return []string{text}
	}

	var (
		chunks    []string
		buf       strings.Builder
		fenceOpen string // opening fence line, e.g. "```go"; empty when outside a block
	)

	flush := func() {
		chunk := strings.TrimRightFunc(buf.String(), unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		// A fence either opens or closes a block.
		if isFence(line) {
			if fenceOpen == "" {
				fenceOpen = line
			} else {
				fenceOpen = ""
			}
		}

		for _, piece := range splitLine(line, max) {
			// Room needed: the piece, a joining newline, and a closing
			// fence if we would cut a code block here.
			need := len(piece) + 1
			if fenceOpen != "" {
				need += 4
			}
			if buf.Len() > 0 && buf.Len()+need > max {
				if fenceOpen != "" && !isFence(piece) {
					buf.WriteString("```\n")
					flush()
					buf.WriteString(fenceOpen)
					buf.WriteByte('\n')
				} else {
					flush()
				}
			}
			buf.WriteString(piece)
			buf.WriteByte('\n')
		}
	}
	flush()

	return chunks
}

func isFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// splitLine hard-splits a single overlong line, preferring word boundaries.
func splitLine(line string, max int) []string {
	if len(line) <= max {
		return []string{line}
	}

	var parts []string
	for len(line) > max {
		cut := max
		if idx := strings.LastIndexFunc(line[:max], unicode.IsSpace); idx > 0 {
			cut = idx
		}
		parts = append(parts, strings.TrimRightFunc(line[:cut], unicode.IsSpace))
		line = strings.TrimLeftFunc(line[cut:], unicode.IsSpace)
	}
	if line != "" {
		parts = append(parts, line)
	}
	return parts
}
