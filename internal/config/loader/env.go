package loader

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of chronicle environment variables.
const EnvPrefix = "CHRONICLE_"

// shortNames are the variables that do not follow the SECTION_KEY_WORDS
// naming rule.
var shortNames = map[string]string{
	"AGENT":        "agent.command",
	"AGENT_ARGS":   "agent.args",
	"TRACE":        "agent.trace",
	"CONNECT":      "agent.address",
	"TIMEOUT":      "agent.timeout",
	"LOG_LEVEL":    "logging.level",
	"LOG_FORMAT":   "logging.format",
	"PROBE_BUMP":   "search.probeBump",
	"STACK_DEPTH":  "search.maxStackDepth",
	"METRICS":      "metrics.enabled",
	"METRICS_ADDR": "metrics.address",
	"TRACES":       "metrics.traces",
}

// Env is a Loader over prefixed environment variables. A variable is
// either one of the short names or SECTION_KEY_WORDS, which sets
// section.keyWords.
type Env struct {
	prefix  string
	aliases map[string]string // name without prefix -> dotted path
	environ func() []string
}

// NewEnvLoader returns an Env for prefix, which should end in an
// underscore.
func NewEnvLoader(prefix string) *Env {
	aliases := make(map[string]string, len(shortNames))
	for k, v := range shortNames {
		aliases[k] = v
	}
	return &Env{prefix: prefix, aliases: aliases, environ: os.Environ}
}

// Alias maps the variable prefix+name to path.
func (e *Env) Alias(name, path string) {
	e.aliases[name] = path
}

// Load collects every prefixed variable. Empty values are kept.
func (e *Env) Load() (map[string]any, error) {
	settings := make(map[string]any)
	for _, kv := range e.environ() {
		key, value, _ := strings.Cut(kv, "=")
		name, ok := strings.CutPrefix(key, e.prefix)
		if !ok || name == "" {
			continue
		}
		SetByPath(settings, e.envToPath(key), parseValue(value))
	}
	return settings, nil
}

// envToPath maps CHRONICLE_DATA_EAGER_LIMIT to data.eagerLimit.
func (e *Env) envToPath(key string) string {
	name := strings.TrimPrefix(key, e.prefix)
	if path, ok := e.aliases[name]; ok {
		return path
	}
	section, rest, ok := strings.Cut(name, "_")
	if !ok {
		return strings.ToLower(name)
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(section))
	b.WriteByte('.')
	for i, word := range strings.Split(rest, "_") {
		if word == "" {
			continue
		}
		word = strings.ToLower(word)
		if i > 0 {
			word = strings.ToUpper(word[:1]) + word[1:]
		}
		b.WriteString(word)
	}
	return b.String()
}

// parseValue gives an environment string its most specific type: bool,
// int64 (any Go base prefix), float64, time.Duration, a YAML flow
// sequence, or the string itself.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "":
		return s
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strings.ContainsAny(s, ".eE") {
		return f
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if strings.HasPrefix(s, "[") {
		var seq []any
		if yaml.Unmarshal([]byte(s), &seq) == nil {
			return seq
		}
	}
	return s
}
