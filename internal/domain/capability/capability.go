package capability

import (
	"errors"
	"strings"
)

// ErrNotFound reports that a model name resolves to no capability record.
// Qualified names ("vendor/model") never hit this: they fall back to the
// generic record instead.
var ErrNotFound = errors.New("model not found in capability registry")

const (
	// GenericContextWindow is the conservative window assumed for qualified
	// models the catalog knows nothing about.
	GenericContextWindow = 32_768
	// GenericMaxOutputTokens mirrors the generic window.
	GenericMaxOutputTokens = 32_768
)

// ModelCapabilities is an immutable capability snapshot keyed by canonical
// name. A ModelContext holds exactly one snapshot for its whole call.
type ModelCapabilities struct {
	ProviderID              string
	CanonicalName           string
	Aliases                 []string
	ContextWindowTokens     int
	MaxOutputTokens         int
	SupportsTemperature     bool
	SupportsReasoningEffort bool
	InputModalities         []string
	AllowCodeGeneration     bool

	// Generic marks the conservative fallback record used when dynamic
	// discovery fails or has no entry.
	Generic bool
}

// SupportsImages reports whether "image" is among the input modalities.
func (c *ModelCapabilities) SupportsImages() bool {
	for _, m := range c.InputModalities {
		if strings.EqualFold(m, "image") {
			return true
		}
	}
	return false
}

// GenericCapabilities returns the conservative fallback record for a
// qualified but unlisted model.
func GenericCapabilities(providerID, canonicalName string) *ModelCapabilities {
	return &ModelCapabilities{
		ProviderID:          providerID,
		CanonicalName:       canonicalName,
		ContextWindowTokens: GenericContextWindow,
		MaxOutputTokens:     GenericMaxOutputTokens,
		SupportsTemperature: true,
		InputModalities:     []string{"text"},
		AllowCodeGeneration: true,
		Generic:             true,
	}
}

// IsQualifiedName reports whether name has a "vendor/model" shape. Option
// suffixes (":free", ":nitro") do not affect qualification.
func IsQualifiedName(name string) bool {
	base := StripOptionSuffix(name)
	return strings.Contains(base, "/")
}

// StripOptionSuffix removes a trailing ":variant" qualifier, keeping the base
// identifier used for catalog lookups.
func StripOptionSuffix(name string) string {
	if idx := strings.LastIndex(name, ":"); idx > 0 {
		return name[:idx]
	}
	return name
}
