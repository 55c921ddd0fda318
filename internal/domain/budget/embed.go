package budget

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/utils/tokencount"
)

const (
	fileFenceBegin = "--- BEGIN FILE: %s ---"
	fileFenceEnd   = "--- END FILE: %s ---"

	// Below this remaining budget a reduction would be all marker and no
	// content, so embedding stops.
	minEmbedTokens = 100
)

// EmbedFiles expands, ranks, and embeds files into a single fenced block
// that fits the budget. reserveTokens is held back from maxTokens before
// any embedding. It returns the block and the manifest of paths actually
// embedded, in embed order.
func EmbedFiles(paths []string, maxTokens, reserveTokens int, ctx RankingContext, enableReduction bool) (string, []string) {
	files := expandPaths(paths)
	if len(files) == 0 {
		return "", nil
	}

	if ctx.IncludeDependencies {
		deps := CollectGoDependencies(files, ctx.ProjectRoot, ctx.MaxDependencyFiles)
		present := make(map[string]struct{}, len(files))
		for _, f := range files {
			present[f] = struct{}{}
		}
		added := make([]string, 0, len(deps))
		for dep := range deps {
			if _, ok := present[dep]; !ok {
				added = append(added, dep)
			}
		}
		sort.Strings(added)
		files = append(files, added...)
	}

	ranked := RankFiles(files, ctx)

	remaining := maxTokens - reserveTokens
	var builder strings.Builder
	var manifest []string

	for _, path := range ranked {
		if remaining < minEmbedTokens {
			logger.GetLogger().Debug().
				Str("file", path).
				Int("remaining_tokens", remaining).
				Msg("file budget exhausted, stopping embedding")
			break
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logger.GetLogger().Warn().Err(err).Str("file", path).Msg("skipping unreadable file")
			continue
		}
		source := string(data)

		fenceOverhead := tokencount.Estimate(fmt.Sprintf(fileFenceBegin, path)) +
			tokencount.Estimate(fmt.Sprintf(fileFenceEnd, path)) + 4

		body := source
		cost := tokencount.Estimate(source) + fenceOverhead
		if cost > remaining {
			if !enableReduction {
				continue
			}
			reduced := ReduceFile(path, source, remaining-fenceOverhead)
			body = reduced.Content
			cost = reduced.EstimatedTokens + fenceOverhead
			if cost > remaining {
				continue
			}
		}

		builder.WriteString(fmt.Sprintf(fileFenceBegin, path))
		builder.WriteString("\n")
		builder.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			builder.WriteString("\n")
		}
		builder.WriteString(fmt.Sprintf(fileFenceEnd, path))
		builder.WriteString("\n\n")

		manifest = append(manifest, path)
		remaining -= cost
	}

	return builder.String(), manifest
}

// expandPaths turns seed paths into a flat file list, walking directories
// and skipping hidden entries. Order is deterministic: seeds in input
// order, directory contents sorted by walk order.
func expandPaths(paths []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			logger.GetLogger().Warn().Err(err).Str("path", path).Msg("skipping missing path")
			continue
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		_ = filepath.WalkDir(path, func(entry string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			name := d.Name()
			if d.IsDir() {
				if strings.HasPrefix(name, ".") && entry != path {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return nil
			}
			add(entry)
			return nil
		})
	}
	return out
}
