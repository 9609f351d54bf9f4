package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/quay-dev/dockhand/internal/telemetry"
	"github.com/quay-dev/dockhand/pkg/api"
)

const maxOutputBytes = 64 * 1024

// HomeEnv tells the external tool where its working configuration lives.
// The harness generates a per-suite tool home, so the variable is set on
// every invocation rather than inherited from the caller's shell.
const HomeEnv = "MANCTL_HOME"

// DefaultBin is the container-management tool the harness shells out to.
const DefaultBin = "manctl"

// Details is what the tool writes to the transient details file after
// preparing or starting an instance.
type Details struct {
	ID string `yaml:"id"`
	IP string `yaml:"ip"`
}

func (d Details) Handle() api.InstanceHandle {
	return api.InstanceHandle{ID: d.ID, IP: d.IP}
}

// RunOpts selects the image and labels for a prepared or started instance.
type RunOpts struct {
	Tag    string
	Labels []string
}

func (o RunOpts) args() []string {
	var args []string
	if o.Tag != "" {
		args = append(args, "--tag", o.Tag)
	}
	for _, l := range o.Labels {
		args = append(args, "--label", l)
	}
	return args
}

// ExitError reports a tool invocation that returned nonzero. Provisioner
// failures surface immediately; nothing in the harness retries them.
type ExitError struct {
	Bin    string
	Args   []string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	bin := e.Bin
	if bin == "" {
		bin = DefaultBin
	}
	return fmt.Sprintf("provisioner: %s %s exited with code %d", bin, strings.Join(e.Args, " "), e.Code)
}

// ErrNoDetails means the tool exited zero but produced no usable instance
// details file.
var ErrNoDetails = errors.New("provisioner: tool produced no instance details")

// CLI wraps the external container-management tool. All commands run with
// the tool home exported so the tool picks up the per-suite configuration.
type CLI struct {
	Bin  string
	Home string
	// Out receives streamed tool output for the long, interactive commands
	// (run, bootstrap). Defaults to os.Stdout.
	Out io.Writer
}

func New(bin, home string) *CLI {
	if bin == "" {
		bin = DefaultBin
	}
	return &CLI{Bin: bin, Home: home}
}

func (c *CLI) run(ctx context.Context, quiet bool, args ...string) (string, error) {
	bin := c.Bin
	if bin == "" {
		bin = DefaultBin
	}
	log.Debug().Str("bin", bin).Strs("args", args).Msg("invoking provisioner tool")
	if len(args) > 0 {
		telemetry.CounterGlobal("provisioner.invocations", 1, map[string]string{"command": args[0]})
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), HomeEnv+"="+c.Home)
	out, err := cmd.CombinedOutput()
	output := string(out)
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n... (output truncated)"
	}
	if !quiet && len(out) > 0 {
		w := c.Out
		if w == nil {
			w = os.Stdout
		}
		_, _ = w.Write(out)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{Bin: bin, Args: args, Code: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("provisioner: run %s: %w", bin, err)
	}
	return output, nil
}

// Prepare stages an instance without starting its serving processes. The tool
// writes instance details and generated bootstrap inputs to two transient
// files which are parsed back and removed.
func (c *CLI) Prepare(ctx context.Context, opts RunOpts) (Details, map[string]any, error) {
	detailsFile, err := tempFile("dockhand-details-")
	if err != nil {
		return Details{}, nil, err
	}
	defer os.Remove(detailsFile)
	inputsFile, err := tempFile("dockhand-inputs-")
	if err != nil {
		return Details{}, nil, err
	}
	defer os.Remove(inputsFile)

	args := append([]string{"prepare"}, opts.args()...)
	args = append(args, "--details-path", detailsFile, "--inputs-output", inputsFile)
	if _, err := c.run(ctx, false, args...); err != nil {
		return Details{}, nil, err
	}
	details, err := readDetails(detailsFile)
	if err != nil {
		return Details{}, nil, err
	}
	var inputs map[string]any
	raw, err := os.ReadFile(inputsFile)
	if err != nil {
		return Details{}, nil, fmt.Errorf("provisioner: read inputs: %w", err)
	}
	if err := yaml.Unmarshal(raw, &inputs); err != nil {
		return Details{}, nil, fmt.Errorf("provisioner: parse inputs: %w", err)
	}
	return details, inputs, nil
}

// Run starts an instance with the code mounts enabled and returns its handle
// details. The caller is expected to follow up with a readiness pass.
func (c *CLI) Run(ctx context.Context, opts RunOpts) (Details, error) {
	detailsFile, err := tempFile("dockhand-details-")
	if err != nil {
		return Details{}, err
	}
	defer os.Remove(detailsFile)

	args := append([]string{"run", "--mount"}, opts.args()...)
	args = append(args, "--details-path", detailsFile)
	if _, err := c.run(ctx, false, args...); err != nil {
		return Details{}, err
	}
	return readDetails(detailsFile)
}

// Bootstrap installs and configures the serving processes on a prepared
// instance. Inputs are passed through a transient YAML file.
func (c *CLI) Bootstrap(ctx context.Context, id string, inputs map[string]any, serveResources bool) error {
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := yaml.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("provisioner: marshal inputs: %w", err)
	}
	inputsFile, err := tempFile("dockhand-inputs-")
	if err != nil {
		return err
	}
	defer os.Remove(inputsFile)
	if err := os.WriteFile(inputsFile, raw, 0600); err != nil {
		return fmt.Errorf("provisioner: write inputs: %w", err)
	}

	args := []string{"bootstrap", "--container-id", id, "--inputs", inputsFile}
	if serveResources {
		args = append(args, "--serve-resources-tar", "--serve-resources-tar-no-progress")
	}
	_, err = c.run(ctx, false, args...)
	return err
}

// RestartContainer restarts the instance's container. Serving processes come
// back asynchronously; the harness re-runs the readiness pass afterwards.
func (c *CLI) RestartContainer(ctx context.Context, id string) error {
	_, err := c.run(ctx, true, "restart-container", "--container-id", id)
	return err
}

func (c *CLI) Stop(ctx context.Context, id string) error {
	_, err := c.run(ctx, true, "stop", "--container-id", id)
	return err
}

// Clean removes instances carrying the given labels.
func (c *CLI) Clean(ctx context.Context, labels []string) error {
	args := []string{"clean"}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	_, err := c.run(ctx, false, args...)
	return err
}

func (c *CLI) SaveImage(ctx context.Context, id, tag string) error {
	_, err := c.run(ctx, false, "save-image", "--container-id", id, "--tag", tag)
	return err
}

func (c *CLI) RemoveImage(ctx context.Context, tag string) error {
	_, err := c.run(ctx, false, "remove-image", "--tag", tag)
	return err
}

// InstallDocker installs a docker daemon inside the instance, for suites
// that build images on the manager itself.
func (c *CLI) InstallDocker(ctx context.Context, id string) error {
	_, err := c.run(ctx, false, "install-docker", "--container-id", id)
	return err
}

// BuildAgent builds the agent package inside the instance.
func (c *CLI) BuildAgent(ctx context.Context, id string) error {
	_, err := c.run(ctx, false, "build-agent", "--container-id", id)
	return err
}

// Exec runs a command inside the instance and returns its combined output.
func (c *CLI) Exec(ctx context.Context, id, command string) (string, error) {
	return c.run(ctx, true, "exec", "--container-id", id, command)
}

// ReadFile reads a file from inside the instance. Trailing whitespace is
// stripped unless noStrip is set.
func (c *CLI) ReadFile(ctx context.Context, id, path string, noStrip bool) (string, error) {
	out, err := c.Exec(ctx, id, "cat "+path)
	if err != nil {
		return "", err
	}
	if !noStrip {
		out = strings.TrimSpace(out)
	}
	return out, nil
}

// CopyToContainer copies a local file into the instance filesystem.
func (c *CLI) CopyToContainer(ctx context.Context, id, src, dst string) error {
	_, err := c.run(ctx, true, "cp", "--container-id", id, src, ":"+dst)
	return err
}

func tempFile(prefix string) (string, error) {
	f, err := os.CreateTemp("", prefix+"*.yaml")
	if err != nil {
		return "", fmt.Errorf("provisioner: temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func readDetails(path string) (Details, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Details{}, fmt.Errorf("provisioner: read details: %w", err)
	}
	var d Details
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Details{}, fmt.Errorf("provisioner: parse details: %w", err)
	}
	if d.ID == "" || d.IP == "" {
		return Details{}, ErrNoDetails
	}
	return d, nil
}
