package budget

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"

	"pal-server/router-api/internal/utils/tokencount"
)

// ReducedFile is the outcome of fitting one file into a token budget.
type ReducedFile struct {
	Content         string
	EstimatedTokens int
	WasReduced      bool
}

// ReduceFile shrinks a file to the budget, preserving structure for Go
// sources and falling back to a head/tail excerpt otherwise. Content that
// already fits passes through untouched.
func ReduceFile(path, source string, maxTokens int) ReducedFile {
	if tokencount.Estimate(source) <= maxTokens {
		return ReducedFile{Content: source, EstimatedTokens: tokencount.Estimate(source)}
	}
	if strings.HasSuffix(path, ".go") {
		return reduceGoSource(path, source, maxTokens)
	}
	return reduceGenericText(path, source, maxTokens)
}

// reduceGoSource keeps the package clause, imports, and top-level
// declaration signatures with bodies elided, so reviewers still see the
// file's shape.
func reduceGoSource(path, source string, maxTokens int) ReducedFile {
	normalized := strings.ReplaceAll(strings.ReplaceAll(source, "\r\n", "\n"), "\r", "\n")
	lines := strings.Split(normalized, "\n")

	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, path, normalized, parser.ParseComments)
	if err != nil {
		excerpt := trimToTokens(normalized, maxTokens-50)
		content := fmt.Sprintf("[REDUCED] %s: head/tail excerpt (parse failed)\n\n%s", filepath.Base(path), excerpt)
		content = trimToTokens(content, maxTokens)
		return ReducedFile{Content: content, EstimatedTokens: tokencount.Estimate(content), WasReduced: true}
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("[REDUCED] %s: structural outline, bodies elided", filepath.Base(path)))
	parts = append(parts, "")
	parts = append(parts, "package "+parsed.Name.Name)

	for _, decl := range parsed.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			parts = append(parts, declLines(fset, lines, d.Pos(), d.End())...)
		case *ast.FuncDecl:
			start := d.Pos()
			end := d.End()
			if d.Body != nil {
				end = d.Body.Lbrace
			}
			sig := declLines(fset, lines, start, end)
			if len(sig) > 0 && d.Body != nil {
				// Cut the final line at the opening brace.
				last := sig[len(sig)-1]
				if col := fset.Position(d.Body.Lbrace).Column - 1; col >= 0 && col <= len(last) {
					last = last[:col]
				}
				sig[len(sig)-1] = strings.TrimRight(last, " \t") + " { ... }"
			}
			parts = append(parts, sig...)
		}
		parts = append(parts, "")
	}

	content := trimToTokens(strings.Join(parts, "\n"), maxTokens)
	return ReducedFile{Content: content, EstimatedTokens: tokencount.Estimate(content), WasReduced: true}
}

// declLines slices the source lines covering [pos, end).
func declLines(fset *token.FileSet, lines []string, pos, end token.Pos) []string {
	startLine := fset.Position(pos).Line
	endLine := fset.Position(end).Line
	if startLine < 1 || startLine > len(lines) {
		return nil
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	out := make([]string, endLine-startLine+1)
	copy(out, lines[startLine-1:endLine])
	return out
}

// reduceGenericText keeps a head/tail excerpt, shrinking until it fits.
func reduceGenericText(path, source string, maxTokens int) ReducedFile {
	normalized := strings.ReplaceAll(strings.ReplaceAll(source, "\r\n", "\n"), "\r", "\n")
	header := fmt.Sprintf("[REDUCED] %s: head/tail excerpt", filepath.Base(path))
	content := trimToTokens(header+"\n\n"+normalized, maxTokens)
	return ReducedFile{Content: content, EstimatedTokens: tokencount.Estimate(content), WasReduced: true}
}

// trimToTokens keeps head and tail lines and shrinks both until the text
// fits the budget.
func trimToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if tokencount.Estimate(text) <= maxTokens {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return ""
	}

	head, tail := 120, 60
	for head > 10 && tail > 10 {
		if head+tail < len(lines) {
			candidate := strings.Join(append(append(append([]string{}, lines[:head]...), "", "... (truncated) ...", ""), lines[len(lines)-tail:]...), "\n")
			if tokencount.Estimate(candidate) <= maxTokens {
				return candidate
			}
		} else {
			candidate := strings.Join(lines, "\n")
			if tokencount.Estimate(candidate) <= maxTokens {
				return candidate
			}
		}
		head = max(10, head*4/5)
		tail = max(10, tail*4/5)
	}

	if head > len(lines) {
		head = len(lines)
	}
	return strings.Join(lines[:head], "\n")
}
