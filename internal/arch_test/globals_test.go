package arch_test

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"testing"
)

// allowedGlobals lists package-level vars that are constant after init but
// don't match the detection heuristics.
var allowedGlobals = map[string][]string{
	// feed: month-name alternation built once for the signature regexp.
	"feed": {"months"},
}

// TestNoMutableGlobalState flags package-level vars other than error
// sentinels, interface checks, compiled regexps, sync/atomic values and
// literals. Runtime state belongs in structs passed explicitly.
func TestNoMutableGlobalState(t *testing.T) {
	t.Parallel()

	dir := internalDirPath(t)
	for _, pkg := range internalPackages(t) {
		t.Run(pkg, func(t *testing.T) {
			t.Parallel()

			allowed := make(map[string]bool)
			for _, n := range allowedGlobals[pkg] {
				allowed[n] = true
			}
			fset := token.NewFileSet()
			for _, path := range goFilesIn(t, filepath.Join(dir, pkg)) {
				node, err := parser.ParseFile(fset, path, nil, 0)
				if err != nil {
					t.Fatalf("parsing %s: %v", path, err)
				}
				packageVars(node, func(vs *ast.ValueSpec, i int) {
					name := vs.Names[i].Name
					if allowed[name] || allowedVar(vs, i) {
						return
					}
					t.Errorf("mutable global state in %s: var %s; use dependency injection or move to a function",
						filepath.Base(path), name)
				})
			}
		})
	}
}

// allowedVar reports whether the i'th name of vs is a constant-like global.
func allowedVar(vs *ast.ValueSpec, i int) bool {
	if vs.Names[i].Name == "_" {
		return true
	}
	if ident, ok := vs.Type.(*ast.Ident); ok && ident.Name == "error" {
		return true
	}
	if sel, ok := vs.Type.(*ast.SelectorExpr); ok {
		if pkg, ok := sel.X.(*ast.Ident); ok && (pkg.Name == "sync" || pkg.Name == "atomic") {
			return true
		}
	}
	if i >= len(vs.Values) {
		return false
	}
	switch v := vs.Values[i].(type) {
	case *ast.BasicLit, *ast.CompositeLit:
		return true
	case *ast.CallExpr:
		sel, ok := v.Fun.(*ast.SelectorExpr)
		if !ok {
			return false
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return false
		}
		switch pkg.Name + "." + sel.Sel.Name {
		case "errors.New", "fmt.Errorf", "regexp.MustCompile":
			return true
		}
	}
	return false
}

// TestAllowedGlobalsAreUsed catches stale allowlist entries.
func TestAllowedGlobalsAreUsed(t *testing.T) {
	t.Parallel()

	dir := internalDirPath(t)
	for pkg, names := range allowedGlobals {
		declared := make(map[string]bool)
		fset := token.NewFileSet()
		for _, path := range goFilesIn(t, filepath.Join(dir, pkg)) {
			node, err := parser.ParseFile(fset, path, nil, 0)
			if err != nil {
				t.Fatalf("parsing %s: %v", path, err)
			}
			packageVars(node, func(vs *ast.ValueSpec, i int) { declared[vs.Names[i].Name] = true })
		}
		for _, name := range names {
			if !declared[name] {
				t.Errorf("allowedGlobals[%q] contains %q but no such var exists", pkg, name)
			}
		}
	}
}

func TestAllowedVar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"errors_new", `package p; import "errors"; var ErrFoo = errors.New("foo")`, true},
		{"fmt_errorf", `package p; import "fmt"; var ErrBar = fmt.Errorf("bar: %w", nil)`, true},
		{"interface_check", `package p; type I interface{}; type S struct{}; var _ I = (*S)(nil)`, true},
		{"regexp", `package p; import "regexp"; var re = regexp.MustCompile("^foo$")`, true},
		{"string_literal", `package p; var name = "hello"`, true},
		{"map_literal", `package p; var lookup = map[string]bool{"x": true}`, true},
		{"atomic", `package p; import "sync/atomic"; var n atomic.Int64`, true},
		{"make_map", `package p; var m = make(map[string]string)`, false},
		{"make_chan", `package p; var ch = make(chan int)`, false},
		{"bare_slice", `package p; var s []string`, false},
		{"func_call", `package p; import "time"; var start = time.Now()`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			node, err := parser.ParseFile(token.NewFileSet(), "test.go", tc.src, 0)
			if err != nil {
				t.Fatalf("parsing: %v", err)
			}
			found := false
			packageVars(node, func(vs *ast.ValueSpec, i int) {
				found = true
				if got := allowedVar(vs, i); got != tc.want {
					t.Errorf("allowedVar(%s) = %v, want %v", vs.Names[i].Name, got, tc.want)
				}
			})
			if !found {
				t.Fatal("no var in source")
			}
		})
	}
}
