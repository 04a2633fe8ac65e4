package config

import (
	"errors"
	"fmt"
	"strconv"
)

// Backend persists non-secret keys. Set receives the typed value from the
// key table (string, int, bool or float64) so native stores keep the type;
// Get hands back its text form for parseValue.
type Backend interface {
	Get(key string) (raw string, ok bool, err error)
	Set(key string, v any) error
	Delete(key string) error
	// Location names where values are stored, for display.
	Location() string
}

// ErrSecretNotFound is returned by keychains that hold no value for an account.
var ErrSecretNotFound = errors.New("secret not found")

// rawValue renders a decoded backend value as text.
func rawValue(key string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T for %s", v, key)
	}
}
