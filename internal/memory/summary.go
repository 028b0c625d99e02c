package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// maxPairChars bounds each side of a question/answer pair.
	maxPairChars = 200
	// maxSummaryChars bounds the whole summary fed to the embedder.
	maxSummaryChars = 800
	// maxExcerptChars bounds the preview stored alongside a vector.
	maxExcerptChars = 500
)

// BuildSummary condenses a session's turns into question/answer pairs for
// embedding. User turns open a pair, the next agent turn closes it; tool
// turns are skipped. Each side is clamped so one long monologue cannot
// crowd out the rest of the conversation.
func BuildSummary(turns []Turn) string {
	var pairs []string
	var question string
	haveQuestion := false

	flush := func(answer string) {
		var b strings.Builder
		if haveQuestion {
			b.WriteString("Q: ")
			b.WriteString(clampText(question, maxPairChars))
		}
		if answer != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("A: ")
			b.WriteString(clampText(answer, maxPairChars))
		}
		if b.Len() > 0 {
			pairs = append(pairs, b.String())
		}
		haveQuestion = false
	}

	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			if haveQuestion {
				flush("")
			}
			question = t.Content
			haveQuestion = true
		case RoleAgent:
			flush(t.Content)
		}
	}
	if haveQuestion {
		flush("")
	}

	return clampText(strings.Join(pairs, "\n\n"), maxSummaryChars)
}

// BuildExcerpt derives the short preview kept with the vector record so
// search results remain readable even if the ledger copy is unreachable.
func BuildExcerpt(summary string) string {
	return clampText(summary, maxExcerptChars)
}

// FormatContext renders the bundle's excerpts as a block of text suitable
// for prompt injection. Excerpt previews are clamped per line and the block
// stops once the summary budget is spent; an empty string means there is
// nothing worth injecting.
func (b *ContextBundle) FormatContext() string {
	if len(b.Excerpts) == 0 {
		return ""
	}

	var lines []string
	total := 0
	for _, e := range b.Excerpts {
		line := fmt.Sprintf("- (%s v%d, similarity=%.2f) %s",
			e.SessionID, e.Version, e.Score, clampText(e.Text, maxPairChars))
		lines = append(lines, line)
		total += len(line)
		if total > maxSummaryChars {
			break
		}
	}

	return "Relevant context from past conversations:\n" + strings.Join(lines, "\n")
}

func clampText(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	// Back the cut up to a rune boundary so a multi-byte character is
	// never split in half.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return strings.TrimSpace(s[:limit]) + "..."
}
