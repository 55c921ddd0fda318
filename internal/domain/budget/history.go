package budget

import (
	"fmt"
	"strings"

	"pal-server/router-api/internal/domain/conversation"
	"pal-server/router-api/internal/utils/tokencount"
)

const (
	// DefaultVerbatimTurns is how many of the newest turns survive
	// compression untouched.
	DefaultVerbatimTurns = 6

	summaryHeader  = "=== SUMMARY OF OLDER TURNS (OMITTED) ==="
	summaryLineMax = 120
)

// BuildConversationHistory renders a thread into the history budget. The
// newest verbatim turns that fit are kept whole; everything older collapses
// into one deterministic summary block, so history growth stays bounded for
// arbitrarily long threads. Returns the rendered history and its estimated
// token count.
func BuildConversationHistory(turns []conversation.Turn, budgetTokens, verbatimTurns int) (string, int) {
	if len(turns) == 0 || budgetTokens <= 0 {
		return "", 0
	}
	if verbatimTurns <= 0 {
		verbatimTurns = DefaultVerbatimTurns
	}

	remaining := budgetTokens
	var verbatim []string // newest first while collecting
	omittedBefore := len(turns)

	for i := len(turns) - 1; i >= 0 && len(verbatim) < verbatimTurns; i-- {
		rendered := renderTurn(i+1, turns[i])
		cost := tokencount.Estimate(rendered) + 1
		if cost > remaining {
			break
		}
		verbatim = append(verbatim, rendered)
		remaining -= cost
		omittedBefore = i
	}

	var sections []string
	if omittedBefore > 0 {
		summary := renderSummary(turns[:omittedBefore])
		if cost := tokencount.Estimate(summary) + 1; cost <= remaining {
			sections = append(sections, summary)
			remaining -= cost
		}
	}
	for i := len(verbatim) - 1; i >= 0; i-- {
		sections = append(sections, verbatim[i])
	}
	if len(sections) == 0 {
		return "", 0
	}

	history := strings.Join(sections, "\n\n")
	return history, tokencount.Estimate(history)
}

func renderTurn(index int, turn conversation.Turn) string {
	header := fmt.Sprintf("--- Turn %d (%s", index, turn.Role)
	if turn.ModelUsed != "" {
		header += ", " + turn.ModelUsed
	}
	header += ") ---"
	return header + "\n" + turn.Content
}

// renderSummary emits one line per omitted turn: index, role, model, and
// the first line of content truncated to 120 characters.
func renderSummary(omitted []conversation.Turn) string {
	var b strings.Builder
	b.WriteString(summaryHeader)
	for i, turn := range omitted {
		line := truncateRunes(firstLine(turn.Content), summaryLineMax)
		role := turn.Role
		if turn.ModelUsed != "" {
			role += "/" + turn.ModelUsed
		}
		b.WriteString(fmt.Sprintf("\n[%d] %s: %s", i+1, role, line))
	}
	return b.String()
}

// truncateRunes cuts on a rune boundary so multi-byte characters in summary
// lines are never split.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
