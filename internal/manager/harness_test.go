package manager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quay-dev/dockhand/internal/provisioner"
	"github.com/quay-dev/dockhand/internal/readiness"
	"github.com/quay-dev/dockhand/internal/store"
	"github.com/quay-dev/dockhand/pkg/api"
)

const fakeToolScript = `#!/bin/sh
echo "$@" >> "$MANCTL_HOME/invocations.log"
cmd="$1"; shift
details=""
while [ $# -gt 0 ]; do
  case "$1" in
    --details-path) details="$2"; shift 2 ;;
    --container-id|--tag|--label|--inputs) shift 2 ;;
    *) shift ;;
  esac
done
case "$cmd" in
  prepare)
    printf 'id: inst-prep\nip: 127.0.0.2\n' > "$details"
    ;;
  run)
    printf 'id: inst-run\nip: 127.0.0.1\n' > "$details"
    ;;
  exec)
    printf 'active\n'
    ;;
esac
`

func testConfig(t *testing.T) Config {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "manctl")
	if err := os.WriteFile(bin, []byte(fakeToolScript), 0755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	var cfg Config
	cfg.Tool.Bin = bin
	cfg.Tool.Home = t.TempDir()
	cfg.Readiness.MaxAttempts = 3
	cfg.Readiness.Interval = "1ms"
	return cfg
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "dockhand.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// countingProbes returns the canonical sequence as stubs, failing the named
// probe forever when failing is non-empty.
func countingProbes(calls map[string]int, failing string) func(api.InstanceHandle) []readiness.Probe {
	return func(handle api.InstanceHandle) []readiness.Probe {
		var probes []readiness.Probe
		for _, name := range []string{"broker", "api", "log-sink", "datastore"} {
			name := name
			probes = append(probes, readiness.Probe{
				Name: name,
				Check: func(ctx context.Context) (io.Closer, error) {
					calls[name]++
					if name == failing {
						return nil, errors.New("still down")
					}
					return nil, nil
				},
				Retryable: func(error) bool { return true },
			})
		}
		return probes
	}
}

func TestStartBlocksOnReadiness(t *testing.T) {
	calls := map[string]int{}
	st := openStore(t)
	h := New(testConfig(t), WithStore(st), WithProbes(countingProbes(calls, "")))

	handle, err := h.Start(context.Background(), provisioner.RunOpts{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if handle.ID != "inst-run" || handle.IP != "127.0.0.1" {
		t.Errorf("unexpected handle: %+v", handle)
	}
	if got := h.Current(); got != handle {
		t.Errorf("Start must set the current instance, got %+v", got)
	}
	for _, name := range []string{"broker", "api", "log-sink", "datastore"} {
		if calls[name] != 1 {
			t.Errorf("probe %s: expected 1 call, got %d", name, calls[name])
		}
	}

	records, err := st.History(context.Background(), "inst-run", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 recorded probes, got %d", len(records))
	}
	for _, r := range records {
		if !r.OK {
			t.Errorf("expected passing record, got %+v", r)
		}
	}
}

func TestStartFailureNamesProbe(t *testing.T) {
	calls := map[string]int{}
	st := openStore(t)
	h := New(testConfig(t), WithStore(st), WithProbes(countingProbes(calls, "datastore")))

	handle, err := h.Start(context.Background(), provisioner.RunOpts{})
	var timeoutErr *readiness.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeoutErr.Probe != "datastore" {
		t.Errorf("expected failure to name datastore, got %q", timeoutErr.Probe)
	}
	if calls["datastore"] != 3 {
		t.Errorf("expected 3 attempts, got %d", calls["datastore"])
	}
	// The instance is up even though the pass failed; callers get the handle.
	if handle.ID != "inst-run" {
		t.Errorf("expected handle returned on failed pass, got %+v", handle)
	}

	records, err := st.History(context.Background(), "inst-run", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	var failedRows int
	for _, r := range records {
		if !r.OK {
			failedRows++
			if r.Probe != "datastore" {
				t.Errorf("expected failed row for datastore, got %+v", r)
			}
		}
	}
	if failedRows != 1 {
		t.Errorf("expected exactly one failed row, got %d", failedRows)
	}
}

func TestLifecycleStatesRecorded(t *testing.T) {
	st := openStore(t)
	h := New(testConfig(t), WithStore(st), WithProbes(countingProbes(map[string]int{}, "")))
	ctx := context.Background()

	if _, err := h.Prepare(ctx, provisioner.RunOpts{}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, state, err := st.Instance(ctx, "inst-prep"); err != nil || state != api.StatePrepared {
		t.Errorf("expected prepared state recorded, got %s (%v)", state, err)
	}

	if _, err := h.Start(ctx, provisioner.RunOpts{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, state, err := st.Instance(ctx, "inst-run"); err != nil || state != api.StateRunning {
		t.Errorf("expected running state recorded, got %s (%v)", state, err)
	}

	if err := h.Stop(ctx, ""); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, state, err := st.Instance(ctx, "inst-run"); err != nil || state != api.StateStopped {
		t.Errorf("expected stopped state recorded, got %s (%v)", state, err)
	}
}

func TestRestartRerunsReadiness(t *testing.T) {
	calls := map[string]int{}
	h := New(testConfig(t), WithProbes(countingProbes(calls, "")))
	ctx := context.Background()

	if _, err := h.Start(ctx, provisioner.RunOpts{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Restart(ctx, ""); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if calls["broker"] != 2 {
		t.Errorf("restart must re-run the readiness pass, broker ran %d times", calls["broker"])
	}
}

func TestRestartUnknownInstance(t *testing.T) {
	cfg := testConfig(t)
	h := New(cfg, WithProbes(countingProbes(map[string]int{}, "")))
	err := h.Restart(context.Background(), "inst-other")
	if err == nil {
		t.Fatalf("expected error for instance with no known address")
	}
	if !strings.Contains(err.Error(), "inst-other") {
		t.Errorf("error must name the instance, got %v", err)
	}
	// Refusing must happen before the container is touched.
	logged, readErr := os.ReadFile(filepath.Join(cfg.Tool.Home, "invocations.log"))
	if readErr == nil && strings.Contains(string(logged), "restart-container") {
		t.Errorf("restart-container must not run without a known address, log:\n%s", logged)
	}
}

func TestRestartByIDFromFreshProcess(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t)
	ctx := context.Background()

	first := New(cfg, WithStore(st), WithProbes(countingProbes(map[string]int{}, "")))
	if _, err := first.Start(ctx, provisioner.RunOpts{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A second harness sharing only the store, the way a later CLI
	// invocation would. The address comes back from the instances table.
	calls := map[string]int{}
	second := New(cfg, WithStore(st), WithProbes(countingProbes(calls, "")))
	if err := second.Restart(ctx, "inst-run"); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if calls["broker"] != 1 {
		t.Errorf("restart must run the readiness pass, broker ran %d times", calls["broker"])
	}
	if got := second.Current(); got.ID != "inst-run" || got.IP != "127.0.0.1" {
		t.Errorf("restart must adopt the recovered handle, got %+v", got)
	}
}

func TestOperationsRequireInstance(t *testing.T) {
	h := New(testConfig(t))
	ctx := context.Background()

	if _, err := h.Exec(ctx, "", "uptime"); !errors.Is(err, ErrNoInstance) {
		t.Errorf("Exec: expected ErrNoInstance, got %v", err)
	}
	if err := h.Stop(ctx, ""); !errors.Is(err, ErrNoInstance) {
		t.Errorf("Stop: expected ErrNoInstance, got %v", err)
	}
	if err := h.Restart(ctx, ""); !errors.Is(err, ErrNoInstance) {
		t.Errorf("Restart: expected ErrNoInstance, got %v", err)
	}
	if _, err := h.Status(ctx, ""); !errors.Is(err, ErrNoInstance) {
		t.Errorf("Status: expected ErrNoInstance, got %v", err)
	}
}

func TestExecExplicitID(t *testing.T) {
	h := New(testConfig(t))
	out, err := h.Exec(context.Background(), "inst-x", "systemctl is-active nginx.service")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if strings.TrimSpace(out) != "active" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStatusThroughExec(t *testing.T) {
	h := New(testConfig(t), WithProbes(countingProbes(map[string]int{}, "")))
	ctx := context.Background()
	if _, err := h.Start(ctx, provisioner.RunOpts{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	report, err := h.Status(ctx, "")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if report.Status != api.StatusRunning {
		t.Errorf("expected running status, got %s", report.Status)
	}
	services, ok := report.Services.(map[string]string)
	if !ok {
		t.Fatalf("expected enumerated services, got %+v", report.Services)
	}
	for label, state := range services {
		if state != "active" {
			t.Errorf("service %s: expected active, got %s", label, state)
		}
	}
}
