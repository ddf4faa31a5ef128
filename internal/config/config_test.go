package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "carp.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	d := Default()
	if err := d.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(d.Dependencies) != 3 {
		t.Fatalf("expected 3 dependencies, got %d", len(d.Dependencies))
	}
	eth := d.Dependencies[2]
	if eth.Bin != "eth-rpc" || eth.Package != "pallet-revive-eth-rpc" || eth.Source.Kind != "commit" {
		t.Fatalf("unexpected eth-rpc dependency: %+v", eth)
	}
	if d.Chain.ParaID != 100 || d.Node.BlockTimeMS != 6000 || d.StopGrace != 10*time.Second {
		t.Fatalf("unexpected chain defaults: %+v %+v", d.Chain, d.Node)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.SpecPath != "./chain_spec.json" || cfg.RPC.CORS != "all" {
		t.Fatalf("unexpected: %+v", cfg)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	p := writeTOML(t, `
stop_grace = "3s"
env = ["RUST_LOG=info"]

[chain]
para_id = 2000
relay_chain = "rococo"

[node]
block_time_ms = 1000
extra_args = ["--tmp"]

[log]
level = "debug"
color = false

[log.services]
dir = "/tmp/carp-logs"

[[dependencies]]
bin = "foo"
package = "foo-pkg"

[[dependencies]]
bin = "bar"
package = "bar-pkg"
  [dependencies.source]
  url = "https://example.com/bar.git"
  ref = "v1.0"
  kind = "tag"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StopGrace != 3*time.Second {
		t.Fatalf("stop_grace: %v", cfg.StopGrace)
	}
	if cfg.Chain.ParaID != 2000 || cfg.Chain.RelayChain != "rococo" || cfg.Chain.Preset != "development" {
		t.Fatalf("chain: %+v", cfg.Chain)
	}
	if cfg.Node.BlockTimeMS != 1000 || len(cfg.Node.ExtraArgs) != 1 {
		t.Fatalf("node: %+v", cfg.Node)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Color == nil || *cfg.Log.Color {
		t.Fatalf("log: %+v", cfg.Log)
	}
	if cfg.Log.Services.Dir != "/tmp/carp-logs" || cfg.Log.Services.MaxBackups != 3 {
		t.Fatalf("service logs: %+v", cfg.Log.Services)
	}
	// the file's list replaces the three built-in dependencies entirely
	if len(cfg.Dependencies) != 2 {
		t.Fatalf("expected 2 dependencies, got %+v", cfg.Dependencies)
	}
	if cfg.Dependencies[0].Source != nil {
		t.Fatalf("foo should have no source: %+v", cfg.Dependencies[0])
	}
	if s := cfg.Dependencies[1].Source; s == nil || s.Ref != "v1.0" || s.Kind != "tag" {
		t.Fatalf("bar source: %+v", s)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "RUST_LOG=info" {
		t.Fatalf("env: %v", cfg.Env)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	p := writeTOML(t, "[node]\nblock_time_ms = 1000\n")
	t.Setenv("CARP_NODE_BLOCK_TIME_MS", "2500")
	t.Setenv("CARP_STOP_GRACE", "750ms")
	t.Setenv("CARP_METRICS_LISTEN", "127.0.0.1:9900")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.BlockTimeMS != 2500 {
		t.Fatalf("env should win over file: %d", cfg.Node.BlockTimeMS)
	}
	if cfg.StopGrace != 750*time.Millisecond || cfg.Metrics.Listen != "127.0.0.1:9900" {
		t.Fatalf("unexpected: %v %q", cfg.StopGrace, cfg.Metrics.Listen)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := writeTOML(t, `
[chain]
para_id = 0

[[dependencies]]
bin = "bar"
package = "bar-pkg"
  [dependencies.source]
  url = "u"
  ref = "main"
  kind = "branch"
`)
	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"para_id", "tag or commit"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidateDuplicateBin(t *testing.T) {
	c := Default()
	c.Dependencies = append(c.Dependencies, DependencyConfig{Bin: "eth-rpc", Package: "x"})
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestValidateSpecPathFileName(t *testing.T) {
	c := Default()
	c.Chain.SpecPath = "./out/dev.json"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "chain.spec_path") {
		t.Fatalf("expected spec_path error, got %v", err)
	}
	c.Chain.SpecPath = "./out/chain_spec.json"
	if err := c.Validate(); err != nil {
		t.Fatalf("directory other than cwd must be accepted: %v", err)
	}
}

func TestPIDFile(t *testing.T) {
	c := Default()
	if got := c.PIDFile("eth-rpc"); got != filepath.Join(".carp", "eth-rpc.pid") {
		t.Fatalf("pid file: %s", got)
	}
	c.StateDir = ""
	if got := c.PIDFile("eth-rpc"); got != "" {
		t.Fatalf("expected no pid file, got %s", got)
	}
}

func TestServiceEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\n\nB = two\nnot-a-pair\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	c := Default()
	c.EnvFiles = []string{dotenv}
	c.Env = []string{"A=override"}
	got, err := c.ServiceEnv()
	if err != nil {
		t.Fatalf("ServiceEnv: %v", err)
	}
	want := []string{"A=1", "B=two", "A=override"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.ServiceEnv(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
