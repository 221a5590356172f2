package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the kind-specific settings map handed to an adapter factory.
// REST adapters read {api_key, secret_key, paper}; socket adapters read
// {host, port, client_id, account_id}. Values may arrive as YAML scalars or
// as strings from the environment, so accessors convert leniently.
type Config map[string]any

// String returns the value at key as a trimmed string.
func (c Config) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

// StringOr returns the value at key or def.
func (c Config) StringOr(key, def string) string {
	if s, ok := c.String(key); ok {
		return s
	}
	return def
}

// Require returns the value at key or a *MissingCredentialsError.
func (c Config) Require(kind, key string) (string, error) {
	s, ok := c.String(key)
	if !ok {
		return "", &MissingCredentialsError{Kind: kind, Key: key}
	}
	return s, nil
}

// IntOr returns the integer at key or def. Unparseable values are an error.
func (c Config) IntOr(key string, def int) (int, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	s, _ := c.String(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("broker: config %q: %w", key, err)
	}
	return n, nil
}

// BoolOr returns the boolean at key or def.
func (c Config) BoolOr(key string, def bool) bool {
	v, ok := c[key]
	if !ok || v == nil {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	s, _ := c.String(key)
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// DurationOr parses a Go duration string at key, or returns def.
func (c Config) DurationOr(key string, def time.Duration) time.Duration {
	s, ok := c.String(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
