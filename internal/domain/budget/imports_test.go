package budget

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCollectGoDependenciesResolvesLocalImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/app\n\ngo 1.25\n")
	writeFile(t, dir, "store/store.go", "package store\n\nfunc Open() {}\n")
	writeFile(t, dir, "store/store_test.go", "package store\n")
	seed := writeFile(t, dir, "main.go", `package main

import (
	"fmt"

	"example.com/app/store"
)

func main() {
	store.Open()
	fmt.Println("ok")
}
`)

	deps := CollectGoDependencies([]string{seed}, dir, 200)

	want := filepath.Join(dir, "store", "store.go")
	if _, ok := deps[want]; !ok {
		t.Fatalf("expected %s in closure, got %v", want, deps)
	}
	for dep := range deps {
		if strings.HasSuffix(dep, "_test.go") {
			t.Fatalf("test files must be excluded from the closure: %s", dep)
		}
	}
}

func TestCollectGoDependenciesIgnoresExternalImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/app\n\ngo 1.25\n")
	seed := writeFile(t, dir, "main.go", `package main

import (
	"os"

	"github.com/rs/zerolog"
)

var _ = zerolog.New(os.Stdout)
`)

	deps := CollectGoDependencies([]string{seed}, dir, 200)
	if len(deps) != 0 {
		t.Fatalf("external imports must not resolve, got %v", deps)
	}
}

func TestCollectGoDependenciesHonorsCap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/app\n\ngo 1.25\n")
	for i := 0; i < 5; i++ {
		writeFile(t, dir, filepath.Join("pkg", "f"+string(rune('a'+i))+".go"), "package pkg\n")
	}
	seed := writeFile(t, dir, "main.go", "package main\n\nimport _ \"example.com/app/pkg\"\n\nfunc main() {}\n")

	deps := CollectGoDependencies([]string{seed}, dir, 2)
	if len(deps) != 2 {
		t.Fatalf("expected closure capped at 2 files, got %d", len(deps))
	}
}

func TestCollectGoDependenciesNoRootOrModule(t *testing.T) {
	if deps := CollectGoDependencies([]string{"main.go"}, "", 10); len(deps) != 0 {
		t.Fatalf("empty project root must yield no dependencies")
	}
	dir := t.TempDir()
	seed := writeFile(t, dir, "main.go", "package main\n")
	if deps := CollectGoDependencies([]string{seed}, dir, 10); len(deps) != 0 {
		t.Fatalf("missing go.mod must yield no dependencies")
	}
}
