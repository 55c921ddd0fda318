package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pal-server/router-api/internal/infrastructure/logger"
)

// manifestFile is the YAML shape of the bundled capability manifest and of
// the optional deployment override file merged over it.
type manifestFile struct {
	Models map[string]manifestEntry `yaml:"models"`
}

type manifestEntry struct {
	Provider                string   `yaml:"provider"`
	ContextWindowTokens     int      `yaml:"context_window_tokens"`
	MaxOutputTokens         int      `yaml:"max_output_tokens"`
	Aliases                 []string `yaml:"aliases"`
	SupportsTemperature     *bool    `yaml:"supports_temperature"`
	SupportsReasoningEffort bool     `yaml:"supports_reasoning_effort"`
	InputModalities         []string `yaml:"input_modalities"`
	AllowCodeGeneration     *bool    `yaml:"allow_code_generation"`
}

func (e manifestEntry) toCapabilities(canonicalName string) *ModelCapabilities {
	caps := &ModelCapabilities{
		ProviderID:              e.Provider,
		CanonicalName:           canonicalName,
		Aliases:                 append([]string(nil), e.Aliases...),
		ContextWindowTokens:     e.ContextWindowTokens,
		MaxOutputTokens:         e.MaxOutputTokens,
		SupportsReasoningEffort: e.SupportsReasoningEffort,
		InputModalities:         append([]string(nil), e.InputModalities...),
		SupportsTemperature:     true,
		AllowCodeGeneration:     true,
	}
	if e.SupportsTemperature != nil {
		caps.SupportsTemperature = *e.SupportsTemperature
	}
	if e.AllowCodeGeneration != nil {
		caps.AllowCodeGeneration = *e.AllowCodeGeneration
	}
	if caps.ContextWindowTokens <= 0 {
		caps.ContextWindowTokens = GenericContextWindow
	}
	if caps.MaxOutputTokens <= 0 {
		caps.MaxOutputTokens = min(caps.ContextWindowTokens, GenericMaxOutputTokens)
	}
	if len(caps.InputModalities) == 0 {
		caps.InputModalities = []string{"text"}
	}
	return caps
}

// LoadManifest reads the bundled manifest and, when overridePath is set,
// merges the override entries over it (override wins per canonical name).
func LoadManifest(path, overridePath string) (map[string]*ModelCapabilities, error) {
	entries, err := readManifestFile(path)
	if err != nil {
		return nil, fmt.Errorf("load capability manifest: %w", err)
	}

	if overridePath != "" {
		overrides, err := readManifestFile(overridePath)
		if err != nil {
			// A broken override must not take down static resolution.
			log := logger.GetLogger()
			log.Warn().Err(err).Str("path", overridePath).Msg("could not load capability manifest override, using bundled manifest only")
		} else {
			for name, entry := range overrides {
				entries[name] = entry
			}
		}
	}

	result := make(map[string]*ModelCapabilities, len(entries))
	for name, entry := range entries {
		result[name] = entry.toCapabilities(name)
	}
	return result, nil
}

func readManifestFile(path string) (map[string]manifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if file.Models == nil {
		file.Models = map[string]manifestEntry{}
	}
	return file.Models, nil
}
