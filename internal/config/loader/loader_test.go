package loader

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MemFS map[string]string

func (m MemFS) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(data), nil
}

func TestFileTOML(t *testing.T) {
	memfs := MemFS{"/chronicle.toml": `
[agent]
command = "chronicle-query"
args = ["--db", "trace.db"]

[search]
probeBump = 0x1000
`}

	config, err := NewFile(memfs, "/chronicle.toml", TOML).Load()
	require.NoError(t, err)

	v, ok := GetByPath(config, "agent.command")
	require.True(t, ok)
	assert.Equal(t, "chronicle-query", v)

	v, _ = GetByPath(config, "agent.args")
	assert.Equal(t, []any{"--db", "trace.db"}, v)

	v, _ = GetByPath(config, "search.probeBump")
	assert.Equal(t, int64(0x1000), v)
}

func TestFileMissing(t *testing.T) {
	config, err := NewFile(MemFS{}, "/missing.toml", TOML).Load()
	assert.NoError(t, err)
	assert.Nil(t, config)
}

func TestFileTOMLInvalid(t *testing.T) {
	memfs := MemFS{"/bad.toml": "[agent\ncommand = 1\n"}
	_, err := NewFile(memfs, "/bad.toml", TOML).Load()

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "/bad.toml", perr.Path)
	assert.Positive(t, perr.Line)
}

func TestFileYAML(t *testing.T) {
	memfs := MemFS{"/chronicle.yaml": `
agent:
  command: chronicle-query
  args: [--db, trace.db]
  timeout: 5s
search:
  probeBump: 0x1000
  maxStackDepth: 8
metrics:
  enabled: false
`}

	config, err := NewFile(memfs, "/chronicle.yaml", YAML).Load()
	require.NoError(t, err)

	v, _ := GetByPath(config, "agent.args")
	assert.Equal(t, []any{"--db", "trace.db"}, v)
	v, _ = GetByPath(config, "agent.timeout")
	assert.Equal(t, "5s", v)
	v, _ = GetByPath(config, "search.probeBump")
	assert.Equal(t, int64(0x1000), v, "integers decode as int64")
	v, _ = GetByPath(config, "search.maxStackDepth")
	assert.Equal(t, int64(8), v)
	v, _ = GetByPath(config, "metrics.enabled")
	assert.Equal(t, false, v)
	v, _ = GetByPath(config, "metrics.address")
	assert.Equal(t, ":9464", v)
}

func TestYAMLRead(t *testing.T) {
	config, err := YAML.Read(strings.NewReader("logging:\n  level: debug\n"))
	require.NoError(t, err)
	v, _ := GetByPath(config, "logging.level")
	assert.Equal(t, "debug", v)

	_, err = YAML.Read(strings.NewReader("- a\n- b\n"))
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestForPath(t *testing.T) {
	l, err := ForPath(MemFS{}, "/etc/chronicle.TOML")
	require.NoError(t, err)
	assert.Equal(t, "toml", l.Format().Name)

	l, err = ForPath(MemFS{}, "chronicle.yml")
	require.NoError(t, err)
	assert.Equal(t, "yaml", l.Format().Name)

	_, err = ForPath(MemFS{}, "chronicle.json")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEnvLoad(t *testing.T) {
	l := NewEnvLoader(EnvPrefix)
	l.environ = func() []string {
		return []string{
			"CHRONICLE_LOG_LEVEL=debug",
			"CHRONICLE_TIMEOUT=2m",
			"CHRONICLE_AGENT_ARGS=[--db, trace.db]",
			"CHRONICLE_SEARCH_MAX_STACK_DEPTH=12",
			"CHRONICLE_METRICS=off",
			"CHRONICLE_METRICS_ADDR=:9464",
			"HOME=/root",
		}
	}

	config, err := l.Load()
	require.NoError(t, err)

	v, _ := GetByPath(config, "logging.level")
	assert.Equal(t, "debug", v)
	v, _ = GetByPath(config, "agent.timeout")
	assert.Equal(t, 2*time.Minute, v)
	v, _ = GetByPath(config, "agent.args")
	assert.Equal(t, []any{"--db", "trace.db"}, v)
	v, _ = GetByPath(config, "search.maxStackDepth")
	assert.Equal(t, int64(12), v, "unmapped variables become camelCase paths")
	v, _ = GetByPath(config, "metrics.enabled")
	assert.Equal(t, false, v)
	_, ok := GetByPath(config, "home")
	assert.False(t, ok)
}

func TestEnvToPath(t *testing.T) {
	l := NewEnvLoader(EnvPrefix)
	tests := map[string]string{
		"CHRONICLE_DATA":             "data",
		"CHRONICLE_DATA_EAGER_LIMIT": "data.eagerLimit",
		"CHRONICLE_AGENT_COMMAND":    "agent.command",
	}
	for env, want := range tests {
		assert.Equal(t, want, l.envToPath(env), env)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"yes", true},
		{"OFF", false},
		{"42", int64(42)},
		{"0x10", int64(16)},
		{"1.5", 1.5},
		{"250ms", 250 * time.Millisecond},
		{"[a, b]", []any{"a", "b"}},
		{"chronicle-query", "chronicle-query"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), tt.in)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"agent":   map[string]any{"command": "a", "trace": "t"},
		"logging": map[string]any{"level": "info"},
	}
	src := map[string]any{
		"agent":   map[string]any{"command": "b"},
		"metrics": map[string]any{"enabled": false},
	}
	got := DeepMerge(dst, src)

	assert.Equal(t, map[string]any{
		"agent":   map[string]any{"command": "b", "trace": "t"},
		"logging": map[string]any{"level": "info"},
		"metrics": map[string]any{"enabled": false},
	}, got)

	// Merged maps are copies of src.
	src["metrics"].(map[string]any)["enabled"] = true
	v, _ := GetByPath(got, "metrics.enabled")
	assert.Equal(t, false, v)
}

func TestSetByPath(t *testing.T) {
	m := map[string]any{"agent": "flat"}
	SetByPath(m, "agent.command", "x")
	SetByPath(m, "search.probeBump", int64(1))

	v, ok := GetByPath(m, "agent.command")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	v, _ = GetByPath(m, "search.probeBump")
	assert.Equal(t, int64(1), v)
}

func TestEnvAlias(t *testing.T) {
	l := NewEnvLoader(EnvPrefix)
	l.Alias("DEPTH", "search.maxStackDepth")
	l.environ = func() []string { return []string{"CHRONICLE_DEPTH=3", "CHRONICLE_=x"} }

	config, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"search": map[string]any{"maxStackDepth": int64(3)}}, config)
}

func TestParseErrorMessage(t *testing.T) {
	assert.Equal(t, "c.toml:3:7: bad key", (&ParseError{Path: "c.toml", Line: 3, Column: 7, Message: "bad key"}).Error())
	assert.Equal(t, "c.yaml:2: bad", (&ParseError{Path: "c.yaml", Line: 2, Message: "bad"}).Error())
	assert.Equal(t, "<reader>: bad", (&ParseError{Path: "<reader>", Message: "bad"}).Error())
}
