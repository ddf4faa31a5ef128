package stack

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/carp/internal/chain"
	"github.com/loykin/carp/internal/config"
	"github.com/loykin/carp/internal/history"
	"github.com/loykin/carp/internal/installer"
	"github.com/loykin/carp/internal/process"
	"github.com/loykin/carp/internal/process/processtest"
	"github.com/loykin/carp/internal/supervisor"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Chain.Runtime = filepath.Join(dir, "westend.wasm")
	c.Chain.SpecPath = filepath.Join(dir, "chain_spec.json")
	c.StateDir = filepath.Join(dir, "state")
	c.StopGrace = 100 * time.Millisecond
	c.Install.ProbeTimeout = 10 * time.Millisecond
	require.NoError(t, os.WriteFile(c.Chain.Runtime, []byte("wasm"), 0o644))
	require.NoError(t, os.WriteFile(c.Chain.SpecPath, []byte(`{"id":"dev"}`), 0o644))
	return c
}

func allMissing(r *processtest.Runner, c config.Config) *processtest.Runner {
	for _, d := range c.Dependencies {
		r.OnName(installer.ProbeName(d.Bin), processtest.Behavior{Missing: true})
	}
	return prepared(r.On(c.Install.Tool, processtest.Behavior{Exit: true}), c)
}

// prepared makes the generate and purge steps succeed.
func prepared(r *processtest.Runner, c config.Config) *processtest.Runner {
	return r.On(c.Chain.Builder, processtest.Behavior{Exit: true}).
		OnName(chain.PurgeName, processtest.Behavior{Exit: true})
}

func TestRunFullPipeline(t *testing.T) {
	c := testConfig(t)
	r := allMissing(processtest.NewRunner(), c)
	out := &syncBuffer{}
	st := New(c, WithRunner(r), WithOutput(out), WithBaseEnv([]string{"HOME=/home/dev"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "OMNINODE IS STARTING") }, 2*time.Second, 5*time.Millisecond)

	specs := r.Specs()
	var paths []string
	for _, s := range specs {
		paths = append(paths, s.Path)
	}
	assert.Equal(t, []string{
		"polkadot-omni-node", "cargo",
		"chain-spec-builder", "cargo",
		"eth-rpc", "cargo",
		"chain-spec-builder", "polkadot-omni-node",
		"polkadot-omni-node", "eth-rpc",
	}, paths)
	assert.Equal(t, []string{"install", "--git", "https://github.com/paritytech/polkadot-sdk.git", "--tag", "polkadot-stable2412", "polkadot-omni-node"}, specs[1].Args)
	assert.Equal(t, []string{"install", "--git", "https://github.com/paritytech/polkadot-sdk.git", "--rev", "d1d92ab76004ce349a97fc5d325eaf9a4a7101b7", "pallet-revive-eth-rpc"}, specs[5].Args)
	assert.Equal(t, chain.PurgeArgs(c.Chain.SpecPath), specs[7].Args)
	assert.Equal(t, NodeArgs(c), specs[8].Args)
	assert.Equal(t, RPCArgs(c), specs[9].Args)
	assert.Contains(t, specs[8].Env, "HOME=/home/dev")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	hs := r.Handles()
	for _, h := range hs[len(hs)-2:] {
		assert.Equal(t, 1, h.TerminateCalls(), h.Name())
		assert.True(t, h.Exited())
	}
}

func TestRunStopsOnInstallFailure(t *testing.T) {
	c := testConfig(t)
	r := allMissing(processtest.NewRunner(), c).On(c.Install.Tool, processtest.Behavior{Exit: true, ExitCode: 101})

	err := New(c, WithRunner(r), WithOutput(&bytes.Buffer{})).Run(context.Background())
	var ie *installer.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"polkadot-omni-node", "cargo"}, r.Paths())
}

func TestRunStopsOnGenerateFailure(t *testing.T) {
	c := testConfig(t)
	r := processtest.NewRunner().On(c.Chain.Builder, processtest.Behavior{Exit: true, ExitCode: 2})

	err := New(c, WithRunner(r), WithOutput(&bytes.Buffer{})).Run(context.Background())
	var pe *chain.PrepareError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, chain.StepGenerate, pe.Step)
	for _, p := range r.Paths() {
		assert.NotEqual(t, "eth-rpc", p, "services must not start")
	}
}

func TestRunRollsBackNodeWhenBridgeFails(t *testing.T) {
	c := testConfig(t)
	c.Chain.Purge = false
	rpcMissing := prepared(processtest.NewRunner(), c)
	gr := &launchFailRunner{Runner: rpcMissing, bin: c.RPC.Bin}

	err := New(c, WithRunner(gr), WithOutput(&bytes.Buffer{})).Run(context.Background())
	var le *supervisor.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, RPCService, le.Service)

	var node *processtest.Handle
	for _, h := range rpcMissing.Handles() {
		if h.Name() == NodeService {
			node = h
		}
	}
	require.NotNil(t, node)
	assert.Equal(t, 1, node.TerminateCalls())
}

type launchFailRunner struct {
	*processtest.Runner
	bin string
}

func (l *launchFailRunner) Start(spec process.Spec) (process.Handle, error) {
	if spec.Path == l.bin && spec.Name == RPCService {
		return nil, &process.SpawnError{Name: spec.Name, Path: spec.Path, Err: os.ErrPermission}
	}
	return l.Runner.Start(spec)
}

func TestRunRecordsHistory(t *testing.T) {
	c := testConfig(t)
	c.History.DSN = "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	r := prepared(processtest.NewRunner(), c)
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	go func() {
		for !strings.Contains(out.String(), "OMNINODE") {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, New(c, WithRunner(r), WithOutput(out)).Run(ctx))

	sink, err := history.NewSQLSink(c.History.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	n, err := sink.Count(context.Background(), NodeService)
	require.NoError(t, err)
	// spawn, terminate and exit
	assert.GreaterOrEqual(t, n, 2)
	n, err = sink.Count(context.Background(), chain.StepPurge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServicesUseLogFilesAndPIDFiles(t *testing.T) {
	c := config.Default()
	svcs := Services(c, nil)
	require.Len(t, svcs, 2)
	assert.Equal(t, process.StdioInherit, svcs[0].Stdio)
	assert.Equal(t, filepath.Join(".carp", "omni-node.pid"), svcs[0].PIDFile)
	assert.Equal(t, []string{"--chain", "./chain_spec.json", "--dev-block-time", "6000"}, svcs[0].Args)
	assert.Equal(t, []string{"--chain", "./chain_spec.json", "--rpc-cors=all", "--log=debug"}, svcs[1].Args)

	c.Log.Services.Dir = "/var/log/carp"
	c.RPC.ExtraArgs = []string{"--rpc-port", "8545"}
	svcs = Services(c, nil)
	assert.Equal(t, process.StdioLog, svcs[1].Stdio)
	assert.Equal(t, "/var/log/carp", svcs[1].Log.Dir)
	assert.Equal(t, []string{"--chain", "./chain_spec.json", "--rpc-cors=all", "--log=debug", "--rpc-port", "8545"}, svcs[1].Args)
}

func TestRunServesMetricsFromGivenRegistry(t *testing.T) {
	c := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.Metrics.Listen = ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := prometheus.NewRegistry()
	r := allMissing(processtest.NewRunner(), c)
	out := &syncBuffer{}
	st := New(c, WithRunner(r), WithOutput(out), WithRegistry(reg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "OMNINODE IS STARTING") }, 2*time.Second, 5*time.Millisecond)

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + c.Metrics.Listen + "/metrics")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `carp_service_spawns_total{name="omni-node",result="ok"}`)
	assert.Contains(t, body, "carp_installer_installs_total")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
