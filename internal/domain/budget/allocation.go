// Package budget shapes the content of a model call so it fits the target
// context window: profile-based token allocation, deterministic file
// ranking, import-closure expansion, structure-preserving reduction, and
// conversation history compression.
package budget

import (
	"pal-server/router-api/internal/infrastructure/logger"
)

// Profile names a token allocation strategy.
type Profile string

const (
	ProfileDefault            Profile = "default"
	ProfileCodeReview         Profile = "code_review"
	ProfileSystemDesignReview Profile = "system_design_review"
)

// ParseProfile maps a raw string onto a known profile, defaulting rather
// than erroring on unknown values.
func ParseProfile(raw string) Profile {
	switch Profile(raw) {
	case ProfileCodeReview:
		return ProfileCodeReview
	case ProfileSystemDesignReview:
		return ProfileSystemDesignReview
	default:
		return ProfileDefault
	}
}

// largeWindowThreshold splits models into conservative and generous
// allocation regimes.
const largeWindowThreshold = 300_000

// shares are proportions of the total context window; they sum to 1.
type shares struct {
	files    float64
	history  float64
	response float64
	prompt   float64
}

func profileShares(profile Profile, window int) shares {
	large := window >= largeWindowThreshold
	switch profile {
	case ProfileCodeReview:
		if large {
			return shares{files: 0.50, history: 0.15, response: 0.20, prompt: 0.15}
		}
		return shares{files: 0.45, history: 0.12, response: 0.23, prompt: 0.20}
	case ProfileSystemDesignReview:
		if large {
			return shares{files: 0.60, history: 0.10, response: 0.20, prompt: 0.10}
		}
		return shares{files: 0.55, history: 0.10, response: 0.22, prompt: 0.13}
	default:
		if large {
			return shares{files: 0.32, history: 0.32, response: 0.20, prompt: 0.16}
		}
		return shares{files: 0.18, history: 0.30, response: 0.40, prompt: 0.12}
	}
}

// TokenAllocation is the per-call token budget split.
type TokenAllocation struct {
	Total    int
	Content  int
	Response int
	Files    int
	History  int
}

// Prompt reports what remains of the content budget after files and history.
func (a TokenAllocation) Prompt() int {
	return a.Content - a.Files - a.History
}

// CalculateAllocation splits a context window according to the profile.
// reservedForResponse overrides the profile's response share when positive,
// but is always capped by it; the freed window flows back to content.
func CalculateAllocation(window int, reservedForResponse int, profile Profile) TokenAllocation {
	s := profileShares(profile, window)

	maxResponse := int(float64(window) * s.response)
	response := maxResponse
	if reservedForResponse > 0 && reservedForResponse < maxResponse {
		response = reservedForResponse
	}
	if response < 1 {
		response = 1
	}

	content := window - response
	nonResponse := s.files + s.history + s.prompt
	files := int(float64(content) * (s.files / nonResponse))
	history := int(float64(content) * (s.history / nonResponse))
	if files > content {
		files = content
	}
	if history > content-files {
		history = content - files
	}

	alloc := TokenAllocation{
		Total:    window,
		Content:  content,
		Response: response,
		Files:    files,
		History:  history,
	}

	logger.GetLogger().Debug().
		Str("profile", string(profile)).
		Int("total", alloc.Total).
		Int("content", alloc.Content).
		Int("response", alloc.Response).
		Int("files", alloc.Files).
		Int("history", alloc.History).
		Msg("token allocation computed")
	return alloc
}

// responseEstimate parameters per profile.
func responseEstimateParams(profile Profile) (base, perFile int) {
	switch profile {
	case ProfileCodeReview:
		return 2_500, 140
	case ProfileSystemDesignReview:
		return 3_500, 180
	default:
		return 3_000, 120
	}
}

// EstimateResponseTokens computes an adaptive response reservation so review
// style calls do not strand window space on outputs they will never produce.
// The estimate never exceeds the profile's response share or the model's
// maximum output.
func EstimateResponseTokens(window, maxOutput, promptTokens, fileHintCount int, profile Profile) int {
	s := profileShares(profile, window)
	responseCap := int(float64(window) * s.response)
	if maxOutput > 0 && maxOutput < responseCap {
		responseCap = maxOutput
	}
	if responseCap <= 0 {
		return 1
	}

	if fileHintCount < 0 {
		fileHintCount = 0
	}
	if fileHintCount > 50 {
		fileHintCount = 50
	}
	base, perFile := responseEstimateParams(profile)
	promptComponent := int(float64(promptTokens) * 0.30)
	if promptComponent > 2_000 {
		promptComponent = 2_000
	}
	expected := base + perFile*fileHintCount + promptComponent

	minimum := 2_048
	if responseCap < minimum {
		minimum = responseCap
	}
	if expected > responseCap {
		expected = responseCap
	}
	if expected < minimum {
		expected = minimum
	}
	return expected
}
