package depres

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// builtinCurated pins the packages every scaffold reaches for. These take
// priority over every network source and keep common requests deterministic.
var builtinCurated = map[string]string{
	"react":                 "18.2.0",
	"react-dom":             "18.2.0",
	"react-router-dom":      "6.22.0",
	"next":                  "14.1.0",
	"vue":                   "3.4.15",
	"typescript":            "5.3.3",
	"vite":                  "5.0.12",
	"tailwindcss":           "3.4.1",
	"autoprefixer":          "10.4.17",
	"postcss":               "8.4.33",
	"axios":                 "1.6.7",
	"zod":                   "3.22.4",
	"zustand":               "4.5.0",
	"@tanstack/react-query": "5.17.19",
	"eslint":                "8.56.0",
	"prettier":              "3.2.4",
	"vitest":                "1.2.2",
	"jest":                  "29.7.0",
	"express":               "4.18.2",
	"@types/react":          "18.2.48",
	"@types/react-dom":      "18.2.18",
	"@types/node":           "20.11.5",
}

// CuratedTable maps package name to an exact pinned version.
type CuratedTable struct {
	pins map[string]string
}

// NewCuratedTable returns the built-in table, optionally extended by a YAML
// file of `name: version` pairs. File entries override built-in pins.
func NewCuratedTable(path string) (*CuratedTable, error) {
	pins := make(map[string]string, len(builtinCurated))
	for k, v := range builtinCurated {
		pins[k] = v
	}

	path = strings.TrimSpace(path)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read curated table: %w", err)
		}
		var file map[string]string
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse curated table: %w", err)
		}
		for k, v := range file {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k == "" || v == "" {
				continue
			}
			pins[k] = v
		}
	}
	return &CuratedTable{pins: pins}, nil
}

func (t *CuratedTable) Lookup(name string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.pins[strings.TrimSpace(name)]
	return v, ok
}

func (t *CuratedTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.pins)
}
