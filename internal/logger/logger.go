package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for service log files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a service's output goes when it is not shown on the
// terminal. With only Dir set, files are Dir/<name>.stdout.log and
// Dir/<name>.stderr.log. Rotation follows lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Enabled reports whether any file destination is configured.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns rotating writers for the stdout and stderr of the named
// service. A nil writer means that stream has no file destination.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if name == "" && c.Dir != "" && (c.StdoutPath == "" || c.StderrPath == "") {
		return nil, nil, fmt.Errorf("log writers need a service name to derive file names in %s", c.Dir)
	}
	return c.rotating(c.path(c.StdoutPath, name, "stdout")), c.rotating(c.path(c.StderrPath, name, "stderr")), nil
}

func (c Config) path(explicit, name, stream string) string {
	if explicit != "" {
		return explicit
	}
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, name+"."+stream+".log")
}

func (c Config) rotating(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
