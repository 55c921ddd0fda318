package budget

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// RankingContext carries the signals file ranking scores against.
type RankingContext struct {
	Prompt        string
	ExplicitPaths map[string]struct{}
	ProjectRoot   string
	// RecencyOrder maps path to recency rank, 0 = most recent.
	RecencyOrder        map[string]int
	IncludeDependencies bool
	MaxDependencyFiles  int
}

// pathMentionRE matches path-like tokens with an extension inside free text.
var pathMentionRE = regexp.MustCompile(`(?:[A-Za-z]:)?[\w./\\-]+\.[A-Za-z0-9_]{1,8}`)

// extractPathMentions pulls path-like tokens out of a prompt.
func extractPathMentions(prompt string) map[string]struct{} {
	if prompt == "" {
		return nil
	}
	mentions := make(map[string]struct{})
	for _, token := range pathMentionRE.FindAllString(prompt, -1) {
		mentions[token] = struct{}{}
	}
	return mentions
}

var lockfileNames = map[string]struct{}{
	"package-lock.json": {},
	"yarn.lock":         {},
	"pnpm-lock.yaml":    {},
	"poetry.lock":       {},
	"pipfile.lock":      {},
	"composer.lock":     {},
	"cargo.lock":        {},
	"go.sum":            {},
}

var typeWeightByExt = map[string]float64{
	// programming
	".go": 1.0, ".py": 1.0, ".rs": 1.0, ".java": 1.0, ".c": 1.0, ".h": 1.0,
	".cpp": 1.0, ".ts": 1.0, ".tsx": 1.0, ".js": 1.0, ".jsx": 1.0, ".rb": 1.0,
	".kt": 1.0, ".swift": 1.0, ".cs": 1.0,
	// scripts
	".sh": 0.9, ".bash": 0.9, ".zsh": 0.9, ".ps1": 0.9, ".bat": 0.9,
	// web
	".html": 0.7, ".css": 0.7, ".scss": 0.7, ".vue": 0.7, ".svelte": 0.7,
	// configs
	".yml": 0.6, ".yaml": 0.6, ".toml": 0.6, ".ini": 0.6, ".json": 0.6,
	".env": 0.6, ".mod": 0.6,
	// docs
	".md": 0.4, ".rst": 0.4, ".txt": 0.4, ".adoc": 0.4,
	// text data
	".csv": 0.2, ".tsv": 0.2, ".log": 0.2,
}

// fileTypeWeight prefers source over docs over lockfiles.
func fileTypeWeight(path string) float64 {
	name := strings.ToLower(filepath.Base(path))
	if _, ok := lockfileNames[name]; ok || strings.HasSuffix(name, ".lock") {
		return 0.05
	}
	if strings.HasSuffix(name, ".min.js") || strings.HasSuffix(name, ".min.css") {
		return 0.10
	}
	if w, ok := typeWeightByExt[filepath.Ext(name)]; ok {
		return w
	}
	return 0.3
}

// RankFiles orders files by descending relevance. Scoring is deterministic:
// explicit selection, prompt mention, type weight, and recency; ties break
// by lexical path order.
func RankFiles(files []string, ctx RankingContext) []string {
	mentions := extractPathMentions(ctx.Prompt)

	mentionHits := make(map[string]struct{})
	for _, file := range files {
		base := filepath.Base(file)
		for token := range mentions {
			if token == base {
				mentionHits[file] = struct{}{}
				break
			}
			if strings.ContainsAny(token, `/\`) && strings.HasSuffix(file, token) {
				mentionHits[file] = struct{}{}
				break
			}
		}
	}

	type scored struct {
		score float64
		path  string
	}
	entries := make([]scored, 0, len(files))
	for _, file := range files {
		score := 0.0
		if _, ok := ctx.ExplicitPaths[file]; ok {
			score += 10_000
		}
		if _, ok := mentionHits[file]; ok {
			score += 15_000
		}
		score += 1_000 * fileTypeWeight(file)
		if rank, ok := ctx.RecencyOrder[file]; ok {
			bonus := 250 - 2*float64(rank)
			if bonus > 0 {
				score += bonus
			}
		}
		entries = append(entries, scored{score: score, path: file})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].path > entries[j].path
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}
