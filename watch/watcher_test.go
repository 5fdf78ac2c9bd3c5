package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/ledger"
	"github.com/banksean/testbed/logs"
)

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, name string, args ...string) error { return nil }
func (nopRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return "", nil
}
func (nopRunner) Tee(ctx context.Context, dir, name string, args ...string) (string, error) {
	return "", nil
}

const watcherTestConfig = `
nodes:
  n1:
    name: node-one
    tftp-prefix: n1
    mac-address: b8:27:eb:01:02:03
    ipv4-address: 10.0.0.11
    serial-number: 100001
    architecture: ARM64
    log-inputs:
      hosts: [n1]
server-ip: 10.0.0.1
log-server: http://10.0.0.1:8080/log
logstash-base-directory: %s
`

type watcherFixture struct {
	watcher *Watcher
	store   *ledger.Store
	stopped []int64
	paths   testbed.Paths
	cfg     *testbed.Config
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	paths := testbed.TestPaths(t.TempDir())
	if err := os.MkdirAll(paths.Base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	logstash := filepath.Join(paths.Base, "shipper")
	body := fmt.Sprintf(watcherTestConfig, logstash)
	if err := os.WriteFile(paths.ConfigFile(), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store, err := ledger.Open(paths.LedgerFile())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := testbed.OpenConfig(paths.ConfigFile())
	f := &watcherFixture{store: store, paths: paths, cfg: cfg}
	f.watcher = &Watcher{
		Ledger: store,
		Logs:   logs.NewManager(cfg, paths, nopRunner{}, testbed.NewStatus(nil)),
		Stop: func(ctx context.Context, id int64, prune bool) error {
			f.stopped = append(f.stopped, id)
			return f.store.EndDeployment(ctx, id)
		},
	}
	return f
}

func (f *watcherFixture) insertRunningDeployment(t *testing.T, parameters string) int64 {
	t.Helper()
	ctx := context.Background()
	deployment := testbed.NewDeployment("watched", "carol")
	deployment.Tasks = []testbed.Task{{
		Kind:             testbed.TaskStopIfTrue,
		Parameters:       parameters,
		DuringDeployment: true,
	}}
	id, err := f.store.InsertDeployment(ctx, &deployment)
	if err != nil {
		t.Fatalf("InsertDeployment: %v", err)
	}
	svc := testbed.NewService("web", "webimage", "h1")
	svc.DeploymentID = id
	svc.Node = "n1"
	svc.Architecture = testbed.ARM64
	if _, err := f.store.InsertService(ctx, &svc); err != nil {
		t.Fatalf("InsertService: %v", err)
	}
	return id
}

func (f *watcherFixture) writeHostLog(t *testing.T, messages ...string) {
	t.Helper()
	base, err := f.cfg.LogstashBase()
	if err != nil {
		t.Fatalf("LogstashBase: %v", err)
	}
	dir := filepath.Join(base, "logs", "n1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := ""
	for i, message := range messages {
		content += fmt.Sprintf("{\"@timestamp\":\"2026-01-02T03:04:%02dZ\",\"message\":%q}\n", i, message)
	}
	if err := os.WriteFile(filepath.Join(dir, "logs"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func TestTickStopsDeploymentWhenPredicateFires(t *testing.T) {
	f := newWatcherFixture(t)
	id := f.insertRunningDeployment(t, testbed.EncodeStopCondition("build-failed", 2))
	ctx := context.Background()

	f.writeHostLog(t, "booted", "build-failed")
	f.watcher.Tick(ctx)
	if len(f.stopped) != 0 {
		t.Fatalf("stopped after one occurrence, want threshold 2: %v", f.stopped)
	}

	f.writeHostLog(t, "booted", "build-failed", "still going", "build-failed")
	f.watcher.Tick(ctx)
	if len(f.stopped) != 1 || f.stopped[0] != id {
		t.Fatalf("stop calls: %v, want [%d]", f.stopped, id)
	}

	// The deployment ended; another tick must not stop it again.
	f.watcher.Tick(ctx)
	if len(f.stopped) != 1 {
		t.Errorf("ended deployment stopped again: %v", f.stopped)
	}
}

func TestTickRequiresExactFullLineMatch(t *testing.T) {
	f := newWatcherFixture(t)
	f.insertRunningDeployment(t, testbed.EncodeStopCondition("build-failed", 1))
	f.writeHostLog(t, "prefix build-failed suffix", "BUILD-FAILED")
	f.watcher.Tick(context.Background())
	if len(f.stopped) != 0 {
		t.Errorf("substring or case-insensitive match stopped the deployment: %v", f.stopped)
	}
}

func TestTickSkipsMalformedStopCondition(t *testing.T) {
	f := newWatcherFixture(t)
	f.insertRunningDeployment(t, "not a stop condition")
	f.writeHostLog(t, "anything")
	f.watcher.Tick(context.Background())
	if len(f.stopped) != 0 {
		t.Errorf("malformed payload stopped the deployment: %v", f.stopped)
	}
	running, err := f.store.RunningDeployments(context.Background())
	if err != nil {
		t.Fatalf("RunningDeployments: %v", err)
	}
	if len(running) != 1 {
		t.Errorf("deployment should keep running, got %d running", len(running))
	}
}
