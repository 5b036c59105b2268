package depres

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLockfile_V2PackagesShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"lockfileVersion": 3,
		"packages": {
			"": {"name": "resolver-probe"},
			"node_modules/react": {"version": "18.2.0"},
			"node_modules/react/node_modules/loose-envify": {"version": "1.4.0"},
			"node_modules/@types/react": {"version": "18.2.48"}
		}
	}`)
	pins, err := ParseLockfile(raw, map[string]string{"react": "*", "@types/react": "*", "missing": "*"})
	if err != nil {
		t.Fatalf("ParseLockfile: %v", err)
	}
	if pins["react"] != "18.2.0" || pins["@types/react"] != "18.2.48" {
		t.Fatalf("pins=%v", pins)
	}
	if _, ok := pins["missing"]; ok {
		t.Fatalf("phantom pin for missing package: %v", pins)
	}
}

func TestParseLockfile_V1DependenciesShape(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"lockfileVersion": 1,
		"dependencies": {
			"express": {"version": "4.18.2", "resolved": "https://registry.npmjs.org/express/-/express-4.18.2.tgz"}
		}
	}`)
	pins, err := ParseLockfile(raw, map[string]string{"express": "^4"})
	if err != nil {
		t.Fatalf("ParseLockfile: %v", err)
	}
	if pins["express"] != "4.18.2" {
		t.Fatalf("pins=%v", pins)
	}
}

func TestParseLockfile_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseLockfile([]byte("not json"), map[string]string{"a": "*"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCuratedTable_FileOverridesBuiltins(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "curated.yaml")
	if err := os.WriteFile(path, []byte("react: 18.3.1\ninternal-ui-kit: 2.0.0\n"), 0o600); err != nil {
		t.Fatalf("write table: %v", err)
	}

	table, err := NewCuratedTable(path)
	if err != nil {
		t.Fatalf("NewCuratedTable: %v", err)
	}
	if v, _ := table.Lookup("react"); v != "18.3.1" {
		t.Fatalf("react=%q, file override not applied", v)
	}
	if v, _ := table.Lookup("internal-ui-kit"); v != "2.0.0" {
		t.Fatalf("internal-ui-kit=%q", v)
	}
	if v, _ := table.Lookup("vue"); v != "3.4.15" {
		t.Fatalf("vue=%q, builtin lost", v)
	}
}

func TestCuratedTable_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := NewCuratedTable(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing table file")
	}
}
