package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quay-dev/dockhand/internal/provisioner"
	"github.com/quay-dev/dockhand/internal/readiness"
	"github.com/quay-dev/dockhand/internal/status"
	"github.com/quay-dev/dockhand/internal/store"
	"github.com/quay-dev/dockhand/internal/telemetry"
	"github.com/quay-dev/dockhand/pkg/api"
)

// ErrNoInstance is returned by operations that need an instance when none
// has been prepared or started yet and no explicit id was given.
var ErrNoInstance = errors.New("manager: no current instance; start one or pass an id")

// Harness drives the lifecycle of manager instances through the external
// provisioner and gates every (re)start on a full readiness pass. The
// current-instance handle is a last-writer-wins convenience set by Prepare,
// Start, and Restart; the underlying operations all take explicit handles.
type Harness struct {
	cfg       Config
	cli       *provisioner.CLI
	store     *store.Store
	budget    readiness.Budget
	probesFor func(api.InstanceHandle) []readiness.Probe

	mu      sync.Mutex
	current api.InstanceHandle
}

type Option func(*Harness)

// WithStore records instances and readiness passes for later inspection.
func WithStore(st *store.Store) Option {
	return func(h *Harness) { h.store = st }
}

// WithProbes overrides the canonical probe sequence. Intended for suites
// that bring up stripped-down images.
func WithProbes(fn func(api.InstanceHandle) []readiness.Probe) Option {
	return func(h *Harness) { h.probesFor = fn }
}

func New(cfg Config, opts ...Option) *Harness {
	h := &Harness{
		cfg:    cfg,
		cli:    provisioner.New(cfg.Tool.Bin, cfg.Tool.Home),
		budget: cfg.Budget(),
	}
	h.probesFor = func(handle api.InstanceHandle) []readiness.Probe {
		return readiness.ForManager(handle, cfg.Ports)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CLI exposes the underlying provisioner wrapper for pass-through use.
func (h *Harness) CLI() *provisioner.CLI { return h.cli }

// Store exposes the history store when one is attached.
func (h *Harness) Store() *store.Store { return h.store }

// Close releases the history store if one is attached.
func (h *Harness) Close() error {
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// Current returns the process-wide default instance handle.
func (h *Harness) Current() api.InstanceHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Harness) setCurrent(handle api.InstanceHandle) {
	h.mu.Lock()
	h.current = handle
	h.mu.Unlock()
}

// resolveID picks the explicit id when given, the current instance
// otherwise.
func (h *Harness) resolveID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	current := h.Current()
	if current.Zero() {
		return "", ErrNoInstance
	}
	return current.ID, nil
}

// Prepare stages an instance without starting its serving processes and
// makes it the current instance. The returned inputs feed Bootstrap.
func (h *Harness) Prepare(ctx context.Context, opts provisioner.RunOpts) (map[string]any, error) {
	details, inputs, err := h.cli.Prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	h.setCurrent(details.Handle())
	if h.store != nil {
		if err := h.store.RecordInstance(ctx, details.Handle(), api.StatePrepared); err != nil {
			log.Warn().Err(err).Msg("record instance")
		}
	}
	log.Info().Str("id", details.ID).Str("ip", details.IP).Msg("instance prepared")
	return inputs, nil
}

// Bootstrap installs the serving processes on a prepared instance.
func (h *Harness) Bootstrap(ctx context.Context, id string, inputs map[string]any, serveResources bool) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := h.cli.Bootstrap(ctx, id, inputs, serveResources); err != nil {
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Str("id", id).Msg("instance bootstrapped")
	return nil
}

// Start runs a fresh instance, makes it current, and blocks until the full
// readiness pass succeeds. Unlabeled instances get a generated dockhand
// label so Clean can find them later.
func (h *Harness) Start(ctx context.Context, opts provisioner.RunOpts) (api.InstanceHandle, error) {
	if len(opts.Labels) == 0 {
		opts.Labels = []string{"dockhand-" + uuid.NewString()[:8]}
	}
	start := time.Now()
	details, err := h.cli.Run(ctx, opts)
	if err != nil {
		return api.InstanceHandle{}, err
	}
	handle := details.Handle()
	h.setCurrent(handle)
	if h.store != nil {
		if err := h.store.RecordInstance(ctx, handle, api.StateRunning); err != nil {
			log.Warn().Err(err).Msg("record instance")
		}
	}
	if err := h.AwaitServices(ctx, handle); err != nil {
		return handle, err
	}
	log.Info().Dur("elapsed", time.Since(start)).Str("id", handle.ID).Msg("instance serviceable")
	return handle, nil
}

// Restart restarts the instance container and re-runs the readiness pass
// before returning control to the caller. The instance address must be
// resolvable before the container is touched; a restart that cannot be
// followed by a readiness pass is refused up front.
func (h *Harness) Restart(ctx context.Context, id string) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	handle, err := h.lookupHandle(ctx, id)
	if err != nil {
		return err
	}
	if err := h.cli.RestartContainer(ctx, id); err != nil {
		return err
	}
	h.setCurrent(handle)
	if h.store != nil {
		if err := h.store.RecordInstance(ctx, handle, api.StateRunning); err != nil {
			log.Warn().Err(err).Msg("record instance")
		}
	}
	return h.AwaitServices(ctx, handle)
}

// lookupHandle resolves the address for an instance id: the in-process
// current handle when it matches, the store's instances table otherwise.
// The store path is what makes restart-by-id work from a fresh process.
func (h *Harness) lookupHandle(ctx context.Context, id string) (api.InstanceHandle, error) {
	if current := h.Current(); current.ID == id {
		return current, nil
	}
	if h.store != nil {
		handle, _, err := h.store.Instance(ctx, id)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return api.InstanceHandle{}, err
		}
	}
	return api.InstanceHandle{}, fmt.Errorf("manager: no address known for instance %s", id)
}

// AwaitServices runs one readiness pass over the instance's subsystems. The
// pass is recorded whether it succeeds or not.
func (h *Harness) AwaitServices(ctx context.Context, handle api.InstanceHandle) error {
	start := time.Now()
	results, err := readiness.AwaitReady(ctx, h.probesFor(handle), h.budget)
	telemetry.TimerGlobal("readiness.pass", time.Since(start), map[string]string{"instance": handle.ID})
	if h.store != nil {
		failed := ""
		var timeoutErr *readiness.TimeoutError
		if errors.As(err, &timeoutErr) {
			failed = timeoutErr.Probe
		}
		if serr := h.store.RecordPass(ctx, handle.ID, results, failed); serr != nil {
			log.Warn().Err(serr).Msg("record readiness pass")
		}
	}
	return err
}

// Stop halts the instance container without removing it.
func (h *Harness) Stop(ctx context.Context, id string) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	if err := h.cli.Stop(ctx, id); err != nil {
		return err
	}
	if h.store != nil {
		if err := h.store.SetState(ctx, id, api.StateStopped); err != nil {
			log.Warn().Err(err).Msg("record instance state")
		}
	}
	return nil
}

// Clean removes instances carrying the given labels.
func (h *Harness) Clean(ctx context.Context, labels []string) error {
	return h.cli.Clean(ctx, labels)
}

// SaveImage snapshots the instance into a reusable image.
func (h *Harness) SaveImage(ctx context.Context, id, tag string) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	return h.cli.SaveImage(ctx, id, tag)
}

// RemoveImage deletes a saved image by tag.
func (h *Harness) RemoveImage(ctx context.Context, tag string) error {
	return h.cli.RemoveImage(ctx, tag)
}

// InstallDocker installs a docker daemon inside the instance.
func (h *Harness) InstallDocker(ctx context.Context, id string) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	return h.cli.InstallDocker(ctx, id)
}

// BuildAgent builds the agent package inside the instance.
func (h *Harness) BuildAgent(ctx context.Context, id string) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	return h.cli.BuildAgent(ctx, id)
}

// Exec runs a command inside the instance.
func (h *Harness) Exec(ctx context.Context, id, command string) (string, error) {
	id, err := h.resolveID(id)
	if err != nil {
		return "", err
	}
	return h.cli.Exec(ctx, id, command)
}

// ReadFile reads a file from inside the instance.
func (h *Harness) ReadFile(ctx context.Context, id, path string, noStrip bool) (string, error) {
	id, err := h.resolveID(id)
	if err != nil {
		return "", err
	}
	return h.cli.ReadFile(ctx, id, path, noStrip)
}

// CopyFile copies a local file into the instance filesystem.
func (h *Harness) CopyFile(ctx context.Context, id, src, dst string) error {
	id, err := h.resolveID(id)
	if err != nil {
		return err
	}
	return h.cli.CopyToContainer(ctx, id, src, dst)
}

// Reporter builds a status reporter bound to the instance.
func (h *Harness) Reporter(id string) (*status.Reporter, error) {
	id, err := h.resolveID(id)
	if err != nil {
		return nil, err
	}
	return &status.Reporter{
		Units:     h.cfg.UnitTable(),
		Enumerate: &status.ExecEnumerator{Runner: h.cli, InstanceID: id},
	}, nil
}

// Status reports the instance's service states.
func (h *Harness) Status(ctx context.Context, id string) (api.StatusReport, error) {
	reporter, err := h.Reporter(id)
	if err != nil {
		return api.StatusReport{}, err
	}
	return reporter.Report(ctx), nil
}
