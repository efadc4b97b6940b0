package definitions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhogle/leadops-os-sub001/internal/expressions"
	"github.com/abhogle/leadops-os-sub001/internal/validation"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

const followUpYAML = `
id: sms-follow-up
name: SMS follow up
industry: roofing
active: true
nodes:
  start:
    type: start
  send:
    type: action
    config:
      action: sms.send
      params:
        template: first-touch
      result_key: sms
  replied:
    type: condition
    config:
      expression: replied == true
  wait:
    type: delay
    config:
      duration: 1h
  won:
    type: end
    config:
      reason: won
  lost:
    type: end
    config:
      reason: no-reply
edges:
  - {from: start, to: send}
  - {from: send, to: replied}
  - {from: replied, to: won, branch: "true"}
  - {from: replied, to: wait, branch: "false"}
  - {from: wait, to: lost}
`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	router, err := expressions.NewRouter()
	require.NoError(t, err)
	v, err := validation.New(router)
	require.NoError(t, err)
	return NewLoader(v)
}

func TestParse_YAML(t *testing.T) {
	defs, err := newTestLoader(t).Parse([]byte(followUpYAML))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "sms-follow-up", def.ID)
	assert.Equal(t, "roofing", def.Industry)
	assert.True(t, def.Active)
	assert.Len(t, def.Nodes, 6)
	assert.Len(t, def.Edges, 5)

	send, ok := def.Node("send")
	require.True(t, ok)
	assert.Equal(t, "send", send.ID)
	assert.Equal(t, api.ActionConfig{
		Action:    "sms.send",
		Params:    map[string]any{"template": "first-touch"},
		ResultKey: "sms",
	}, send.Config)

	wait, _ := def.Node("wait")
	assert.Equal(t, api.DelayConfig{Duration: api.Duration(time.Hour)}, wait.Config)

	next, err := def.ResolveBranch("replied", "false")
	require.NoError(t, err)
	assert.Equal(t, "wait", next)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"id":"ping","nodes":{"s":{"type":"start"},"e":{"type":"end"}},"edges":[{"from":"s","to":"e"}]}`
	defs, err := newTestLoader(t).Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "ping", defs[0].ID)
}

func TestParse_MultiDocument(t *testing.T) {
	stream := followUpYAML + "\n---\n" + strings.ReplaceAll(followUpYAML, "sms-follow-up", "email-follow-up")
	defs, err := newTestLoader(t).Parse([]byte(stream))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "email-follow-up", defs[1].ID)
}

func TestParse_Errors(t *testing.T) {
	l := newTestLoader(t)

	cases := map[string]string{
		"empty":          "   ",
		"bad yaml":       "id: [",
		"schema":         "id: x\nnodes:\n  s:\n    type: start\n    config:\n      extra: 1\n",
		"graph":          "id: x\nnodes:\n  s:\n    type: start\n",
		"predicate":      strings.Replace(followUpYAML, "replied == true", "replied ==", 1),
		"negative delay": strings.Replace(followUpYAML, "duration: 1h", "duration: -1h", 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(followUpYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"),
		[]byte(`{"id":"ping","nodes":{"s":{"type":"start"},"e":{"type":"end"}},"edges":[{"from":"s","to":"e"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := newTestLoader(t).LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "sms-follow-up", defs[0].ID)
	assert.Equal(t, "ping", defs[1].ID)
}

func TestLoadDir_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(followUpYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(followUpYAML), 0o644))

	_, err := newTestLoader(t).LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined in both")
}

func TestEncodeYAML_RoundTrips(t *testing.T) {
	l := newTestLoader(t)
	defs, err := l.Parse([]byte(followUpYAML))
	require.NoError(t, err)

	out, err := EncodeYAML(defs[0])
	require.NoError(t, err)
	assert.NotContains(t, string(out), "created_at")

	again, err := l.Parse(out)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, defs[0].Nodes, again[0].Nodes)
	assert.Equal(t, defs[0].Edges, again[0].Edges)
}
