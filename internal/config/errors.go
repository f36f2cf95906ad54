package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid marks a setting whose value is out of range.
	ErrInvalid = errors.New("invalid setting")

	// ErrWrongType marks a setting holding the wrong kind of value.
	ErrWrongType = errors.New("wrong setting type")
)

// SettingError locates a bad setting by its dotted path. It unwraps to
// ErrInvalid or ErrWrongType.
type SettingError struct {
	Path   string
	Reason string
	Value  any
	kind   error
}

func (e *SettingError) Error() string {
	return fmt.Sprintf("%s = %v: %s", e.Path, e.Value, e.Reason)
}

func (e *SettingError) Unwrap() error { return e.kind }

func invalidSetting(path, reason string, value any) *SettingError {
	return &SettingError{Path: path, Reason: reason, Value: value, kind: ErrInvalid}
}

func wrongType(path, want string, value any) *SettingError {
	return &SettingError{Path: path, Reason: fmt.Sprintf("want %s, have %T", want, value), Value: value, kind: ErrWrongType}
}
