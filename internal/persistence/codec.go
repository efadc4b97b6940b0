package persistence

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// EncodeValue serializes v as JSON. Execution contexts are stored this way,
// so numbers come back as float64.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue decodes JSON written by EncodeValue into a T.
func DecodeValue[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// graphDoc is the stored form of a definition's nodes and edges.
type graphDoc struct {
	Nodes []api.Node `json:"nodes"`
	Edges []api.Edge `json:"edges"`
}

func encodeGraph(def *api.Definition) ([]byte, error) {
	doc := graphDoc{Nodes: make([]api.Node, 0, len(def.Nodes)), Edges: def.Edges}
	for _, n := range def.Nodes {
		doc.Nodes = append(doc.Nodes, n)
	}
	slices.SortFunc(doc.Nodes, func(a, b api.Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return json.Marshal(doc)
}

func decodeGraph(data []byte, def *api.Definition) error {
	var doc graphDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode definition graph: %w", err)
	}
	def.Nodes = make(map[string]api.Node, len(doc.Nodes))
	for _, n := range doc.Nodes {
		def.Nodes[n.ID] = n
	}
	def.Edges = doc.Edges
	return nil
}

func encodeContext(ctx map[string]any) ([]byte, error) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return json.Marshal(ctx)
}

func decodeContext(data []byte) (map[string]any, error) {
	out, err := DecodeValue[map[string]any](data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
