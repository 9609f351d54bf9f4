package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quay-dev/dockhand/internal/manager"
	"github.com/quay-dev/dockhand/internal/provisioner"
	gssh "github.com/quay-dev/dockhand/internal/ssh"
	"github.com/quay-dev/dockhand/internal/store"
	"github.com/quay-dev/dockhand/internal/telemetry"
)

// Resolve the harness from the configured tool home and store
func resolveHarness(cmd *cobra.Command) (*manager.Harness, manager.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := manager.LoadConfig(cfgPath)
	if err != nil {
		return nil, manager.Config{}, err
	}
	if cfg.Tool.Home == "" {
		cfg.Tool.Home = provisioner.DefaultHome()
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	var opts []manager.Option
	if cfg.StorePath != "" {
		st, err := store.New(cfg.StorePath)
		if err != nil {
			return nil, cfg, err
		}
		opts = append(opts, manager.WithStore(st))
	}
	return manager.New(cfg, opts...), cfg, nil
}

// Stage an instance without starting it
func newPrepareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Stage a manager instance without starting its services",
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			labels, _ := cmd.Flags().GetStringSlice("label")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			inputs, err := h.Prepare(cmd.Context(), provisioner.RunOpts{Tag: tag, Labels: labels})
			if err != nil {
				return err
			}
			handle := h.Current()
			fmt.Printf("prepared %s at %s\n", handle.ID, handle.IP)
			if len(inputs) > 0 {
				raw, err := yaml.Marshal(inputs)
				if err != nil {
					return err
				}
				os.Stdout.Write(raw)
			}
			return nil
		},
	}
	cmd.Flags().String("tag", "", "image tag")
	cmd.Flags().StringSlice("label", nil, "instance labels")
	return cmd
}

// Bootstrap a prepared instance
func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Install and configure services on a prepared instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			inputsPath, _ := cmd.Flags().GetString("inputs")
			serveResources, _ := cmd.Flags().GetBool("serve-resources")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			var inputs map[string]any
			if inputsPath != "" {
				raw, err := os.ReadFile(inputsPath)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(raw, &inputs); err != nil {
					return fmt.Errorf("parse inputs: %w", err)
				}
			}
			return h.Bootstrap(cmd.Context(), id, inputs, serveResources)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	cmd.Flags().String("inputs", "", "bootstrap inputs YAML file")
	cmd.Flags().Bool("serve-resources", true, "serve the resources archive during bootstrap")
	return cmd
}

// Start an instance and wait for readiness
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a manager instance and wait until it is serviceable",
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			labels, _ := cmd.Flags().GetStringSlice("label")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			handle, err := h.Start(cmd.Context(), provisioner.RunOpts{Tag: tag, Labels: labels})
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", handle.ID, handle.IP)
			return nil
		},
	}
	cmd.Flags().String("tag", "", "image tag")
	cmd.Flags().StringSlice("label", nil, "instance labels")
	return cmd
}

// Restart an instance and wait for readiness
func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart an instance and wait until it is serviceable again",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.Restart(cmd.Context(), id)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	return cmd
}

// Stop an instance
func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an instance without removing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.Stop(cmd.Context(), id)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	return cmd
}

// Remove labeled instances
func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove instances carrying the given labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			labels, _ := cmd.Flags().GetStringSlice("label")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.Clean(cmd.Context(), labels)
		},
	}
	cmd.Flags().StringSlice("label", nil, "instance labels")
	return cmd
}

// Snapshot an instance into an image
func newSaveImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save-image",
		Short: "Snapshot an instance into a reusable image",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			tag, _ := cmd.Flags().GetString("tag")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.SaveImage(cmd.Context(), id, tag)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	cmd.Flags().String("tag", "", "image tag")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

// Remove a saved image
func newRemoveImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-image",
		Short: "Remove a saved image by tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.RemoveImage(cmd.Context(), tag)
		},
	}
	cmd.Flags().String("tag", "", "image tag")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

// Install a docker daemon inside an instance
func newInstallDockerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install-docker",
		Short: "Install a docker daemon inside an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.InstallDocker(cmd.Context(), id)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	return cmd
}

// Build the agent package inside an instance
func newBuildAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-agent",
		Short: "Build the agent package inside an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.BuildAgent(cmd.Context(), id)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	return cmd
}

// Run a command inside an instance
func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- <command>",
		Short: "Run a command inside an instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			out, err := h.Exec(cmd.Context(), id, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	return cmd
}

// Read a file from inside an instance
func newReadFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read-file <path>",
		Short: "Read a file from inside an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			noStrip, _ := cmd.Flags().GetBool("no-strip")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			out, err := h.ReadFile(cmd.Context(), id, args[0], noStrip)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	cmd.Flags().Bool("no-strip", false, "keep surrounding whitespace")
	return cmd
}

// Copy a local file into an instance
func newCpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cp <src> <dst>",
		Short: "Copy a local file into an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.CopyFile(cmd.Context(), id, args[0], args[1])
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	return cmd
}

// Build an SSH client for the docker host from the tool config
func dockerHostClient(cfg manager.Config) (*gssh.Client, error) {
	tc, err := provisioner.LoadToolConfig(cfg.Tool.Home)
	if err != nil {
		return nil, err
	}
	if tc.DockerHost == "" {
		return nil, fmt.Errorf("docker_host not set in tool config under %s", cfg.Tool.Home)
	}
	signer, err := gssh.LoadPrivateKeySigner(tc.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	client := &gssh.Client{
		User:    cfg.SSH.User,
		Signer:  signer,
		Timeout: 15 * time.Second,
		Retries: 2,
		Backoff: 500 * time.Millisecond,
	}
	if client.User == "" {
		client.User = "root"
	}
	port := cfg.SSH.Port
	if port == 0 {
		port = 22
	}
	client.Addr = tc.DockerHost + ":" + strconv.Itoa(port)
	if cfg.SSH.KnownHosts != "" {
		kh, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
		if err != nil {
			return nil, err
		}
		client.KnownHosts = kh
	}
	return client, nil
}

// Run a command on the docker host
func newSSHCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh -- <command>",
		Short: "Run a command on the docker host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			client, err := dockerHostClient(cfg)
			if err != nil {
				return err
			}
			out, err := client.RunCommand(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// Copy files to/from the docker host
func newScpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scp",
		Short: "Copy files to or from the docker host over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			push, _ := cmd.Flags().GetStringSlice("push")
			pull, _ := cmd.Flags().GetStringSlice("pull")
			_, cfg, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			client, err := dockerHostClient(cfg)
			if err != nil {
				return err
			}
			cli, err := client.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()
			for _, spec := range push {
				parts := strings.SplitN(spec, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --push spec: %s", spec)
				}
				if err := gssh.PushFile(cli, parts[0], parts[1]); err != nil {
					return err
				}
			}
			for _, spec := range pull {
				parts := strings.SplitN(spec, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --pull spec: %s", spec)
				}
				if err := gssh.PullFile(cli, parts[0], parts[1]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("push", nil, "local:remote specs to upload via SFTP")
	cmd.Flags().StringSlice("pull", nil, "remote:local specs to download via SFTP")
	return cmd
}

// Report instance service status
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the state of the instance's system services",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			listen, _ := cmd.Flags().GetString("listen")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			if listen != "" {
				reporter, err := h.Reporter(id)
				if err != nil {
					return err
				}
				fmt.Printf("serving status on %s\n", listen)
				return http.ListenAndServe(listen, reporter.Routes())
			}
			report, err := h.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to current)")
	cmd.Flags().String("listen", "", "serve status over HTTP on this address instead of printing")
	return cmd
}

// Show recorded readiness history
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded readiness passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			limit, _ := cmd.Flags().GetInt("limit")
			h, _, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			defer h.Close()
			st := h.Store()
			if st == nil {
				return fmt.Errorf("no store configured; set store_path in the config")
			}
			records, err := st.History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				outcome := "ok"
				if !r.OK {
					outcome = "failed"
				}
				fmt.Printf("%s\t%s\t%s\tattempts=%d\telapsed=%dms\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.InstanceID, r.Probe, r.Attempts, r.ElapsedMS, outcome)
			}
			return nil
		},
	}
	cmd.Flags().String("id", "", "instance id (defaults to all)")
	cmd.Flags().Int("limit", 50, "maximum records to show")
	return cmd
}

// Initialize a per-suite tool home
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Build a per-suite tool home from the user-level configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseHome, _ := cmd.Flags().GetString("base-home")
			expose, _ := cmd.Flags().GetIntSlice("expose")
			resourceSpecs, _ := cmd.Flags().GetStringSlice("resource")
			_, cfg, err := resolveHarness(cmd)
			if err != nil {
				return err
			}
			if baseHome == "" {
				baseHome = provisioner.DefaultHome()
			}
			var resources []provisioner.Mount
			for _, spec := range resourceSpecs {
				parts := strings.SplitN(spec, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --resource spec: %s", spec)
				}
				resources = append(resources, provisioner.Mount{Src: parts[0], Dst: parts[1]})
			}
			if err := provisioner.Init(cfg.Tool.Home, baseHome, expose, resources); err != nil {
				return err
			}
			tc, err := provisioner.LoadToolConfig(cfg.Tool.Home)
			if err != nil {
				return err
			}
			if tc.SSHKeyPath != "" {
				if _, err := os.Stat(tc.SSHKeyPath); os.IsNotExist(err) {
					pub, err := gssh.GenerateEd25519Keypair(tc.SSHKeyPath)
					if err != nil {
						return err
					}
					fmt.Printf("generated ssh key %s\npublic key: %s", tc.SSHKeyPath, pub)
				}
			}
			fmt.Printf("tool home ready at %s\n", cfg.Tool.Home)
			return nil
		},
	}
	cmd.Flags().String("base-home", "", "user-level tool home to augment")
	cmd.Flags().IntSlice("expose", nil, "additional ports to expose")
	cmd.Flags().StringSlice("resource", nil, "src:dst directories to mount")
	return cmd
}
