package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/quay-dev/dockhand/internal/provisioner"
	"github.com/quay-dev/dockhand/pkg/api"
)

type stubEnumerator struct {
	services map[string]string
	err      error
}

func (s *stubEnumerator) Services(ctx context.Context, units Table) (map[string]string, error) {
	return s.services, s.err
}

type fakeRunner struct {
	states map[string]string // unit -> state; missing units exit nonzero
}

func (f *fakeRunner) Exec(ctx context.Context, id, command string) (string, error) {
	unit := strings.TrimPrefix(command, "systemctl is-active ")
	if state, ok := f.states[unit]; ok {
		return state + "\n", nil
	}
	return "", &provisioner.ExitError{Args: []string{"exec"}, Code: 3, Output: "inactive\n"}
}

func TestNewTableClustered(t *testing.T) {
	flat := NewTable(DefaultUnits, false)
	if !reflect.DeepEqual(flat, DefaultUnits) {
		t.Errorf("non-clustered table must match the base")
	}

	clustered := NewTable(DefaultUnits, true)
	if _, ok := clustered["datastore.service"]; ok {
		t.Errorf("clustered table must not watch the host datastore unit")
	}
	for _, unit := range []string{"cluster-datastore.service", "consensus.service", "replication.service"} {
		if _, ok := clustered[unit]; !ok {
			t.Errorf("clustered table missing %s", unit)
		}
	}
	if _, ok := DefaultUnits["datastore.service"]; !ok {
		t.Errorf("NewTable must not mutate the base table")
	}
}

func TestExecEnumerator(t *testing.T) {
	runner := &fakeRunner{states: map[string]string{
		"broker.service": "active",
		"nginx.service":  "activating",
	}}
	e := &ExecEnumerator{Runner: runner, InstanceID: "inst-1"}
	units := Table{
		"broker.service": "Message Broker",
		"nginx.service":  "Webserver",
		"webui.service":  "Web UI",
	}

	services, err := e.Services(context.Background(), units)
	if err != nil {
		t.Fatalf("Services failed: %v", err)
	}
	want := map[string]string{
		"Message Broker": "active",
		"Webserver":      "activating",
		"Web UI":         "inactive",
	}
	if !reflect.DeepEqual(services, want) {
		t.Errorf("Services() = %+v, want %+v", services, want)
	}
}

type brokenRunner struct{}

func (brokenRunner) Exec(ctx context.Context, id, command string) (string, error) {
	return "", fmt.Errorf("tool not found")
}

func TestExecEnumeratorUnavailable(t *testing.T) {
	e := &ExecEnumerator{Runner: brokenRunner{}, InstanceID: "inst-1"}
	if _, err := e.Services(context.Background(), Table{"broker.service": "Message Broker"}); err == nil {
		t.Fatalf("expected enumeration failure for non-exit errors")
	}
}

func TestReportWithServices(t *testing.T) {
	r := &Reporter{
		Units:     DefaultUnits,
		Enumerate: &stubEnumerator{services: map[string]string{"Message Broker": "active"}},
	}
	report := r.Report(context.Background())
	if report.Status != api.StatusRunning {
		t.Errorf("expected running status, got %s", report.Status)
	}
	services, ok := report.Services.(map[string]string)
	if !ok || services["Message Broker"] != "active" {
		t.Errorf("unexpected services: %+v", report.Services)
	}
}

func TestReportFallsBackToSentinel(t *testing.T) {
	for name, r := range map[string]*Reporter{
		"no enumerator":     {Units: DefaultUnits},
		"enumeration fails": {Units: DefaultUnits, Enumerate: &stubEnumerator{err: errors.New("ssh down")}},
	} {
		report := r.Report(context.Background())
		if report.Status != api.StatusRunning {
			t.Errorf("%s: expected running status, got %s", name, report.Status)
		}
		services, ok := report.Services.([]string)
		if !ok || len(services) != 1 || services[0] != "undefined" {
			t.Errorf("%s: expected undefined sentinel, got %+v", name, report.Services)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := &Reporter{
		Units:     DefaultUnits,
		Enumerate: &stubEnumerator{services: map[string]string{"Datastore": "active"}},
	}
	srv := httptest.NewServer(r.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %s", ct)
	}
	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != api.StatusRunning {
		t.Errorf("expected running status, got %s", body.Status)
	}
	if body.Services["Datastore"] != "active" {
		t.Errorf("unexpected services: %+v", body.Services)
	}
}
