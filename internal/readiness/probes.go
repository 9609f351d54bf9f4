package readiness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/quay-dev/dockhand/pkg/api"
)

// amqpHeader is the AMQP 0-9-1 protocol greeting. The broker answers any
// client that sends it, which is all the probe needs to know.
var amqpHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Ports locates the probed subsystems on a manager instance.
type Ports struct {
	Broker    int `yaml:"broker"`
	API       int `yaml:"api"`
	LogSink   int `yaml:"log_sink"`
	Datastore int `yaml:"datastore"`
}

// DefaultPorts matches a stock manager image.
var DefaultPorts = Ports{Broker: 5672, API: 80, LogSink: 9999, Datastore: 5432}

// ForManager returns the canonical probe sequence for a freshly started
// manager instance: message broker first, then the main API, then the log
// sink and datastore listeners. The order encodes startup dependencies and
// must not be shuffled.
func ForManager(handle api.InstanceHandle, ports Ports) []Probe {
	return []Probe{
		Broker("broker", handle.Addr(ports.Broker)),
		HTTP("api", fmt.Sprintf("http://%s/api/v1/deployments", handle.Addr(ports.API)), nil),
		TCP("log-sink", handle.Addr(ports.LogSink)),
		TCP("datastore", handle.Addr(ports.Datastore)),
	}
}

// TCP probes a raw listener. The accepted connection is handed back to the
// orchestrator for closing.
func TCP(name, addr string) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context) (io.Closer, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Retryable: Transient,
	}
}

// Broker probes an AMQP broker by completing the protocol-header exchange:
// dial, send the greeting, wait for the first byte of the Connection.Start
// frame. A listener that accepts but never speaks AMQP stays not-ready.
func Broker(name, addr string) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context) (io.Closer, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			deadline := time.Now().Add(5 * time.Second)
			if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
				deadline = t
			}
			_ = conn.SetDeadline(deadline)
			if _, err := conn.Write(amqpHeader); err != nil {
				conn.Close()
				return nil, err
			}
			buf := make([]byte, 1)
			if _, err := conn.Read(buf); err != nil {
				conn.Close()
				return nil, err
			}
			_ = conn.SetDeadline(time.Time{})
			return conn, nil
		},
		Retryable: Transient,
	}
}

// statusError marks an API response that is not yet serviceable. Any status
// is expected while the service boots behind its frontend proxy, so the whole
// class is retryable.
type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("api returned status %d", e.code)
}

// HTTP probes an API endpoint with a GET and treats any 2xx as ready.
// Transport failures and non-2xx statuses are retried; a request that cannot
// even be built is a configuration error and is not.
func HTTP(name, url string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return Probe{
		Name: name,
		Check: func(ctx context.Context) (io.Closer, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
				return nil, &statusError{code: resp.StatusCode}
			}
			return nil, nil
		},
		Retryable: func(err error) bool {
			var se *statusError
			return errors.As(err, &se) || Transient(err)
		},
	}
}

// Postgres probes the datastore by opening a pq connection pool and pinging
// it. The pool is the held resource. Server-side errors are retryable; the
// server answers before it accepts queries ("the database system is starting
// up"). A DSN that does not parse is a configuration error.
func Postgres(name, dsn string) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context) (io.Closer, error) {
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return nil, err
			}
			if err := db.PingContext(ctx); err != nil {
				db.Close()
				return nil, err
			}
			return db, nil
		},
		Retryable: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) || Transient(err)
		},
	}
}

// Transient reports whether err looks like the connectivity noise expected
// while a subsystem is still starting: refused or reset connections, dial
// timeouts, peers hanging up mid-handshake.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
