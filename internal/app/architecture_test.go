package app

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// Driver packages may only be imported by their own tree and by the listed
// facades. Everything else depends on the contracts in blob, localstate and
// remote.
var infraOwners = map[string][]string{
	"estatecrm/internal/infra/blob":        {"estatecrm/internal/blob"},
	"estatecrm/internal/infra/persistence": {"estatecrm/internal/app"},
	"estatecrm/internal/infra/remote":      {"estatecrm/internal/app"},
}

// isTestDouble reports whether a test build imports an in-memory driver.
func isTestDouble(pkg *packages.Package, importPath string) bool {
	return strings.HasSuffix(importPath, "/memory") && strings.Contains(pkg.ID, ".test]")
}

func within(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func TestInfraImportedOnlyByOwners(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "estatecrm/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			for infra, owners := range infraOwners {
				if !within(importPath, infra) || within(pkg.PkgPath, infra) || isTestDouble(pkg, importPath) {
					continue
				}
				allowed := false
				for _, owner := range owners {
					if pkg.PkgPath == owner {
						allowed = true
					}
				}
				if !allowed {
					seen[pkg.PkgPath+": "+importPath] = struct{}{}
				}
			}
		}
	}
	if len(seen) == 0 {
		return
	}
	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	t.Fatalf("forbidden infra imports:\n%s", strings.Join(violations, "\n"))
}
