package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/frpc-manager/internal/events"
	"github.com/treykane/frpc-manager/internal/frpconfig"
	"github.com/treykane/frpc-manager/internal/history"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/profiles"
	"github.com/treykane/frpc-manager/internal/reaper"
	"github.com/treykane/frpc-manager/internal/security"
	"github.com/treykane/frpc-manager/internal/tunnel"
	"github.com/treykane/frpc-manager/internal/util"
)

// profileFlags selects a connection profile from flags, a saved profile or
// the last used one.
type profileFlags struct {
	server  string
	local   int
	remote  int
	profile string
	last    bool
}

func (f *profileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", string(model.ServerPrimary), "relay server: primary or secondary")
	cmd.Flags().IntVar(&f.local, "local", 0, "local service port")
	cmd.Flags().IntVar(&f.remote, "remote", 0, "remote port exposed on the relay")
	cmd.Flags().StringVar(&f.profile, "profile", "", "use a saved profile")
	cmd.Flags().BoolVar(&f.last, "last", false, "reuse the last started profile")
	cmd.MarkFlagsMutuallyExclusive("profile", "last")
}

// resolve returns the profile and, for saved profiles, its name.
func (f profileFlags) resolve(table model.ServerTable) (model.ConnectionProfile, string, error) {
	switch {
	case strings.TrimSpace(f.profile) != "":
		p, err := profiles.Get(f.profile)
		if err != nil {
			return model.ConnectionProfile{}, "", err
		}
		cp, err := p.Resolve(table)
		return cp, p.Name, err
	case f.last:
		last, ok, err := history.Last()
		if err != nil {
			return model.ConnectionProfile{}, "", err
		}
		if !ok {
			return model.ConnectionProfile{}, "", fmt.Errorf("no previous session recorded")
		}
		cp, err := model.NewProfile(table, last.Server, last.LocalPort, last.RemotePort)
		return cp, "", err
	}
	id, err := model.ParseServerConfigID(f.server)
	if err != nil {
		return model.ConnectionProfile{}, "", err
	}
	if f.local == 0 || f.remote == 0 {
		return model.ConnectionProfile{}, "", fmt.Errorf("--local and --remote are required (or use --profile/--last)")
	}
	cp, err := model.NewProfile(table, id, f.local, f.remote)
	return cp, "", err
}

func newUpCmd(a *app) *cobra.Command {
	var (
		sel         profileFlags
		metricsAddr string
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start frpc in the foreground and stream its output until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.checkForUpdate(cmd.Context()); err != nil {
				return err
			}
			profile, name, err := sel.resolve(a.cfg.ServerTable())
			if err != nil {
				return err
			}
			client, sup := a.newSupervisor()
			if err := client.EnsureBinary(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if addr := util.DefaultString(metricsAddr, a.cfg.Metrics.Addr); strings.TrimSpace(addr) != "" {
				go func() {
					if err := a.metrics.Serve(ctx, addr); err != nil {
						slog.Warn("metrics server stopped", "addr", addr, "error", err)
					}
				}()
			}
			return a.runForeground(ctx, sup, profile, name, jsonOut)
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print events as JSON lines")
	return cmd
}

// runForeground starts the session and relays events until frpc stops, fails,
// or ctx is cancelled.
func (a *app) runForeground(ctx context.Context, sup *tunnel.Supervisor, profile model.ConnectionProfile, name string, jsonOut bool) error {
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.StopTimeout())
		defer cancel()
		_ = sup.Close(stopCtx)
	}()

	if _, err := sup.Start(ctx, profile); err != nil {
		slog.Warn("tunnel start failed", "error", security.DebugMessage(err))
		msg := a.userMessage(err)
		var conflict *tunnel.PortConflictError
		if errors.As(err, &conflict) {
			msg = fmt.Sprintf("%s; terminating stale %s processes did not free it", msg, a.cfg.Binary.ProcessName)
		}
		return security.Classify(err, msg)
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			fmt.Fprintln(os.Stderr, "stopping frpc...")
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.StopTimeout())
			err := sup.Stop(stopCtx)
			cancel()
			if err != nil {
				return err
			}
		case evt, ok := <-sup.Events():
			if !ok {
				return nil
			}
			printEvent(evt, jsonOut)
			switch evt.Type {
			case events.TypeSuccess:
				if err := history.RecordLast(profile); err != nil {
					slog.Warn("failed to record last profile", "error", err)
				}
				if name != "" {
					if err := history.Touch(name); err != nil {
						slog.Warn("failed to record profile use", "profile", name, "error", err)
					}
				}
			case events.TypeFailed:
				snap := sup.Snapshot()
				return fmt.Errorf("%s (%s)", snap.LastError, snap.Reason)
			case events.TypeStopped:
				return nil
			}
		}
	}
}

func printEvent(evt events.Event, jsonOut bool) {
	if jsonOut {
		_ = writeJSONLine(evt)
		return
	}
	switch evt.Type {
	case events.TypeSuccess:
		fmt.Printf("==> tunnel established (pid %d)\n", evt.PID)
	case events.TypeFailed:
		fmt.Printf("==> failed: %s\n", evt.Message)
	case events.TypeStopped:
		fmt.Println("==> stopped")
	default:
		fmt.Println(evt.Message)
	}
}

func newRenderCmd(a *app) *cobra.Command {
	var (
		sel       profileFlags
		showToken bool
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the frpc config a session would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, _, err := sel.resolve(a.cfg.ServerTable())
			if err != nil {
				return err
			}
			if err := util.ValidatePort(profile.LocalServicePort); err != nil {
				return fmt.Errorf("local port: %w", err)
			}
			if err := util.ValidatePort(profile.RemotePort); err != nil {
				return fmt.Errorf("remote port: %w", err)
			}
			if !showToken {
				profile.AuthToken = util.MaskSecret(profile.AuthToken)
			}
			fmt.Print(frpconfig.Render(profile))
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the auth token unmasked")
	return cmd
}

func newPortCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "port", Short: "Local port checks"}
	var jsonOut bool
	check := &cobra.Command{
		Use:   "check <port>",
		Short: "Report whether a local TCP port is already bound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := util.ParsePort(args[0])
			if err != nil {
				return err
			}
			bound := util.IsPortBound(port)
			if jsonOut {
				return writeJSON(map[string]any{"port": port, "bound": bound})
			}
			if bound {
				fmt.Printf("port %d is in use\n", port)
			} else {
				fmt.Printf("port %d is free\n", port)
			}
			return nil
		},
	}
	check.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	root.AddCommand(check)
	return root
}

func newReapCmd(a *app) *cobra.Command {
	var (
		name   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate running frpc processes by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := util.DefaultString(name, a.cfg.Binary.ProcessName)
			r := reaper.New()
			if dryRun {
				pids, err := r.FindByName(cmd.Context(), target)
				if err != nil {
					return err
				}
				fmt.Printf("%d %s process(es) running %v\n", len(pids), target, pids)
				return nil
			}
			res, err := r.KillByName(cmd.Context(), target)
			if err != nil {
				return err
			}
			a.metrics.Reaped(res.Terminated)
			fmt.Printf("matched=%d terminated=%d skipped=%d name=%s\n", res.Matched, res.Terminated, res.Skipped, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "process name (defaults to binary.process_name)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list matching processes without signalling them")
	return cmd
}
