package budget

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pal-server/router-api/internal/infrastructure/logger"
)

const defaultMaxDependencyFiles = 200

// CollectGoDependencies resolves the one-level local import closure of the
// seed Go files: imports whose path lives under the project's own module are
// mapped to the package directory and its non-test sources are returned.
// Resolution is best effort; unreadable files are skipped.
func CollectGoDependencies(seedFiles []string, projectRoot string, maxFiles int) map[string]struct{} {
	resolved := make(map[string]struct{})
	if projectRoot == "" {
		return resolved
	}
	if maxFiles <= 0 {
		maxFiles = defaultMaxDependencyFiles
	}

	modulePath := readModulePath(projectRoot)
	if modulePath == "" {
		return resolved
	}

	fset := token.NewFileSet()
	for _, seed := range seedFiles {
		if len(resolved) >= maxFiles {
			break
		}
		if !strings.HasSuffix(seed, ".go") {
			continue
		}
		parsed, err := parser.ParseFile(fset, seed, nil, parser.ImportsOnly)
		if err != nil {
			logger.GetLogger().Debug().Err(err).Str("file", seed).Msg("skipping unparsable seed file")
			continue
		}
		for _, imp := range parsed.Imports {
			if len(resolved) >= maxFiles {
				break
			}
			importPath, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				continue
			}
			rel, ok := strings.CutPrefix(importPath, modulePath)
			if !ok {
				continue
			}
			rel = strings.TrimPrefix(rel, "/")
			dir := filepath.Join(projectRoot, filepath.FromSlash(rel))
			addPackageFiles(dir, resolved, maxFiles)
		}
	}
	return resolved
}

func addPackageFiles(dir string, resolved map[string]struct{}, maxFiles int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if len(resolved) >= maxFiles {
			return
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		resolved[filepath.Join(dir, name)] = struct{}{}
	}
}

// readModulePath extracts the module directive from go.mod at the project
// root.
func readModulePath(projectRoot string) string {
	data, err := os.ReadFile(filepath.Join(projectRoot, "go.mod"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "module "); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}
