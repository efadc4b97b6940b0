// Package definitions reads workflow definitions from YAML or JSON documents.
// A document is schema-checked as written, decoded into an api.Definition and
// then validated as a graph.
package definitions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abhogle/leadops-os-sub001/internal/validation"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// DefaultDir is the conventional location of definition files.
const DefaultDir = "workflows"

// Loader decodes and validates definition documents.
type Loader struct {
	validator *validation.Validator
}

// NewLoader returns a Loader that validates with v.
func NewLoader(v *validation.Validator) *Loader {
	return &Loader{validator: v}
}

// Parse decodes every definition in data. YAML streams may hold several
// documents separated by "---"; JSON is accepted as a YAML subset.
func (l *Loader) Parse(data []byte) ([]*api.Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("definitions: payload is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*api.Definition
	for i := 0; ; i++ {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("definitions: decode document %d: %w", i, err)
		}
		if doc == nil {
			continue
		}
		def, err := l.decode(doc)
		if err != nil {
			return nil, fmt.Errorf("definitions: document %d: %w", i, err)
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, errors.New("definitions: no documents found")
	}
	return defs, nil
}

func (l *Loader) decode(doc any) (*api.Definition, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert to JSON: %w", err)
	}
	if err := l.validator.ValidateDocument(data); err != nil {
		return nil, err
	}

	var def api.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	for id, n := range def.Nodes {
		if n.ID == "" {
			n.ID = id
			def.Nodes[id] = n
		}
	}
	if err := l.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadReader reads and parses all of r.
func (l *Loader) LoadReader(r io.Reader) ([]*api.Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("definitions: read: %w", err)
	}
	return l.Parse(data)
}

// LoadFile parses the definitions in path.
func (l *Loader) LoadFile(path string) ([]*api.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definitions: read %s: %w", path, err)
	}
	defs, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir parses every .yaml, .yml and .json file in dir, in name order.
// A definition id may appear only once across the directory.
func (l *Loader) LoadDir(dir string) ([]*api.Definition, error) {
	if dir == "" {
		dir = DefaultDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("definitions: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string)
	var out []*api.Definition
	for _, name := range names {
		path := filepath.Join(dir, name)
		defs, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if prev, dup := seen[d.ID]; dup {
				return nil, fmt.Errorf("definitions: %q defined in both %s and %s", d.ID, prev, path)
			}
			seen[d.ID] = path
		}
		out = append(out, defs...)
	}
	return out, nil
}

// EncodeYAML renders def as a YAML document that Parse accepts.
func EncodeYAML(def *api.Definition) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if ts, ok := doc["created_at"].(string); ok && strings.HasPrefix(ts, "0001-01-01") {
		delete(doc, "created_at")
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
