// Package secretkeys keeps credentials out of the logs.
package secretkeys

import (
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	// EnvKey lists the names of further environment variables holding secrets, separated by commas.
	EnvKey    = "MEDIAUPLOAD_SECRET_ENV_KEY_LIST"
	separator = ","
	redacted  = "[REDACTED]"
)

// Manager reads and writes the list of secret environment variable names.
type Manager interface {
	Load(envRepository env.Repository) []string
	Format(keys []string) string
}

type manager struct {
}

// NewManager ...
func NewManager() Manager {
	return manager{}
}

func (manager) Load(envRepository env.Repository) []string {
	value := envRepository.Get(EnvKey)
	var keys []string
	for _, key := range strings.Split(value, separator) {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func (manager) Format(keys []string) string {
	return strings.Join(keys, separator)
}

// Values returns the non-empty values of the given environment variables.
func Values(envRepository env.Repository, keys []string) []string {
	var values []string
	for _, key := range keys {
		if value := envRepository.Get(key); value != "" {
			values = append(values, value)
		}
	}
	return values
}

// Redactor replaces secret values in text.
type Redactor struct {
	secrets []string
}

// NewRedactor creates a Redactor masking the given values, empty values are ignored.
func NewRedactor(secrets ...string) Redactor {
	return Redactor{}.With(secrets...)
}

// With returns a Redactor that also masks the given values.
func (r Redactor) With(secrets ...string) Redactor {
	all := append([]string(nil), r.secrets...)
	for _, secret := range secrets {
		if secret != "" {
			all = append(all, secret)
		}
	}
	// longer secrets first, a secret may contain another one
	sort.SliceStable(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })
	return Redactor{secrets: all}
}

// Redact returns text with every secret value replaced.
func (r Redactor) Redact(text string) string {
	for _, secret := range r.secrets {
		text = strings.ReplaceAll(text, secret, redacted)
	}
	return text
}
