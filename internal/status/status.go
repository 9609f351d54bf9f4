package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/quay-dev/dockhand/internal/provisioner"
	"github.com/quay-dev/dockhand/pkg/api"
)

// Table maps systemd unit names to human-readable service labels.
type Table map[string]string

// DefaultUnits is the service table for a single-node manager.
var DefaultUnits = Table{
	"manager-worker.service": "Management Worker",
	"manager-rest.service":   "Manager REST Service",
	"broker.service":         "Message Broker",
	"events-router.service":  "Events Router",
	"metricsdb.service":      "Metrics Database",
	"webui.service":          "Web UI",
	"logsink.service":        "Log Sink",
	"nginx.service":          "Webserver",
	"datastore.service":      "Datastore",
}

// NewTable builds the effective unit table. Clustered managers run the
// datastore under the cluster supervisor instead of the host unit and add
// the consensus and replication units.
func NewTable(base Table, clustered bool) Table {
	t := Table{}
	for unit, label := range base {
		t[unit] = label
	}
	if clustered {
		delete(t, "datastore.service")
		t["cluster-datastore.service"] = "Datastore"
		t["consensus.service"] = "Consensus"
		t["replication.service"] = "File Replication"
	}
	return t
}

// Enumerator resolves the current state of each unit in a table.
type Enumerator interface {
	Services(ctx context.Context, units Table) (map[string]string, error)
}

// CommandRunner is the slice of the provisioner the enumerator needs.
type CommandRunner interface {
	Exec(ctx context.Context, id, command string) (string, error)
}

// ExecEnumerator queries unit state through the provisioner's exec
// capability. A nonzero systemctl exit just means the unit is not active;
// any other failure means enumeration is unavailable on this host.
type ExecEnumerator struct {
	Runner     CommandRunner
	InstanceID string
}

func (e *ExecEnumerator) Services(ctx context.Context, units Table) (map[string]string, error) {
	out := make(map[string]string, len(units))
	for unit, label := range units {
		state, err := e.Runner.Exec(ctx, e.InstanceID, "systemctl is-active "+unit)
		if err != nil {
			var exitErr *provisioner.ExitError
			if !errors.As(err, &exitErr) {
				return nil, err
			}
			state = exitErr.Output
		}
		state = strings.TrimSpace(state)
		if state == "" {
			state = "unknown"
		}
		out[label] = state
	}
	return out, nil
}

// Reporter answers status queries for a running instance.
type Reporter struct {
	Units     Table
	Enumerate Enumerator
}

// Report returns the instance status. When service enumeration is not
// possible the services field falls back to the "undefined" sentinel rather
// than failing the whole report.
func (r *Reporter) Report(ctx context.Context) api.StatusReport {
	report := api.StatusReport{Status: api.StatusRunning, Services: api.ServicesUnavailable}
	if r.Enumerate == nil {
		return report
	}
	services, err := r.Enumerate.Services(ctx, r.Units)
	if err != nil {
		log.Warn().Err(err).Msg("service enumeration unavailable")
		return report
	}
	report.Services = services
	return report
}

// Routes returns the HTTP surface: GET /status.
func (r *Reporter) Routes() http.Handler {
	router := chi.NewRouter()
	router.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Report(req.Context())); err != nil {
			log.Error().Err(err).Msg("write status response")
		}
	})
	return router
}
