package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ServiceEnv returns the KEY=VALUE overrides for child processes: entries from
// EnvFiles in order, then Env. Later entries win when the environment is composed.
func (c Config) ServiceEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Blank lines and lines starting with # are ignored. Order is kept.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}
