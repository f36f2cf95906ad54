package loader

import (
	"errors"

	"github.com/pelletier/go-toml/v2"
)

func parseTOML(source string, data []byte) (map[string]any, error) {
	settings := make(map[string]any)
	err := toml.Unmarshal(data, &settings)
	if err == nil {
		return settings, nil
	}

	perr := &ParseError{Path: source, Message: err.Error(), Err: err}
	if derr := (*toml.DecodeError)(nil); errors.As(err, &derr) {
		perr.Line, perr.Column = derr.Position()
	}
	return nil, perr
}
