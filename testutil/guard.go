// Package testutil provides reusable testing helpers for enforcing the
// layering between the domain model, the store core and the infra drivers.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// driverModules are the third-party modules only infra drivers and the
// application assembly may import.
var driverModules = []string{
	"github.com/jackc/pgx",
	"github.com/redis/go-redis",
	"github.com/dgraph-io/badger",
	"modernc.org/sqlite",
	"github.com/aws/aws-sdk-go-v2",
}

// Violation is one forbidden import. File is empty for transitive deps.
type Violation struct {
	Import string
	File   string
}

func (v Violation) String() string {
	if v.File == "" {
		return v.Import
	}
	return v.Import + " (in " + v.File + ")"
}

// AssertNoDirectImports fails if a non-test .go file in dir imports a path
// matching forbidden. Subdirectories and build tags are ignored.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := DirectImports(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	report(t, "forbidden direct imports", reason, viols)
}

// AssertNoTransitiveDependency fails if `go list -deps pattern` lists a
// package matching forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, out, err := TransitiveImports(pattern, forbidden)
	if err != nil {
		t.Fatalf("go list failed: %v\n%s", err, out)
	}
	report(t, "forbidden transitive dependencies", reason, viols)
}

// DirectImports returns the forbidden imports of the non-test files in dir,
// sorted by file then import.
func DirectImports(dir string, forbidden func(string) bool) ([]Violation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var out []Violation
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".go" || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			if path := strings.Trim(imp.Path.Value, `"`); forbidden(path) {
				out = append(out, Violation{Import: path, File: name})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Import < out[j].Import
	})
	return out, nil
}

// TransitiveImports returns the forbidden packages in the dependency closure
// of pattern along with the raw go list output.
func TransitiveImports(pattern string, forbidden func(string) bool) ([]Violation, string, error) {
	raw, err := goListDeps(pattern)
	if err != nil {
		return nil, string(raw), err
	}
	var out []Violation
	for _, line := range strings.Split(string(raw), "\n") {
		if path := strings.TrimSpace(line); path != "" && forbidden(path) {
			out = append(out, Violation{Import: path})
		}
	}
	return out, string(raw), nil
}

var goListDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

type fatalf interface {
	Fatalf(format string, args ...any)
}

func report(t fatalf, what, reason string, viols []Violation) {
	if len(viols) == 0 {
		return
	}
	lines := make([]string, len(viols))
	for i, v := range viols {
		lines[i] = v.String()
	}
	t.Fatalf("%s (%s):\n%s", what, reason, strings.Join(lines, "\n"))
}

// InternalImportForbidden matches any import path containing /internal/.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/")
}

// InfraImportForbidden matches the concrete driver packages under internal/infra.
func InfraImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/infra/") || strings.HasSuffix(path, "/internal/infra")
}

// DriverImportForbidden matches database, cache and cloud client modules.
func DriverImportForbidden(path string) bool {
	for _, mod := range driverModules {
		if path == mod || strings.HasPrefix(path, mod+"/") {
			return true
		}
	}
	return false
}

// Any combines predicates.
func Any(preds ...func(string) bool) func(string) bool {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}
