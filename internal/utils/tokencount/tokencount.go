package tokencount

// Estimate returns a conservative token estimate for text. Three bytes per
// token under-counts for prose but keeps budgets safe for code-heavy content,
// which dominates this service's payloads.
func Estimate(text string) int {
	return len(text) / 3
}
