// Package cli provides the command-line interface for frpc-manager.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/doctor"
	"github.com/treykane/frpc-manager/internal/frpclient"
	"github.com/treykane/frpc-manager/internal/monitor"
	"github.com/treykane/frpc-manager/internal/security"
	"github.com/treykane/frpc-manager/internal/tunnel"
	"github.com/treykane/frpc-manager/internal/ui"
	"github.com/treykane/frpc-manager/internal/updatecheck"
)

// Version is the client version reported to the update endpoint. Release
// builds override it with -ldflags "-X .../internal/cli.Version=x.y.z".
var Version = "1.0.2"

// app carries what every command needs after PersistentPreRunE ran.
type app struct {
	cfg     appconfig.Config
	metrics *monitor.Metrics
	logFile io.Closer
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "frpc-manager",
		Short:         "Launch and supervise an frpc reverse tunnel",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Parent() == nil)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.checkForUpdate(cmd.Context()); err != nil {
				return err
			}
			client, sup := a.newSupervisor()
			if err := client.EnsureBinary(); err != nil {
				return err
			}
			return ui.Run(a.cfg, sup)
		},
	}

	root.AddCommand(newUpCmd(a))
	root.AddCommand(newRenderCmd(a))
	root.AddCommand(newPortCmd(a))
	root.AddCommand(newReapCmd(a))
	root.AddCommand(newProfileCmd(a))
	root.AddCommand(newServerCmd(a))
	root.AddCommand(newDoctorCmd(a))
	root.AddCommand(newUpdateCmd(a))
	return root
}

func (a *app) init(tui bool) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.metrics = monitor.New()
	return a.setupLogging(tui)
}

// setupLogging installs the default slog handler at log.level. While the TUI
// owns the terminal, logs go to log.file or nowhere.
func (a *app) setupLogging(tui bool) error {
	var w io.Writer = os.Stderr
	if tui {
		w = io.Discard
		if path := strings.TrimSpace(a.cfg.Log.File); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			a.logFile = f
			w = f
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(a.cfg.Log.Level)})))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

// newSupervisor wires the launcher, metrics and token redaction from config.
func (a *app) newSupervisor() (*frpclient.Client, *tunnel.Supervisor) {
	if security.Audit(a.cfg).HasHigh() {
		slog.Warn("config has high severity security findings; run frpc-manager doctor")
	}
	client := frpclient.New(a.cfg.Binary.Path)
	client.UsePTY = a.cfg.Tunnel.UsePTY
	opts := tunnel.OptionsFromConfig(a.cfg)
	opts.Metrics = a.metrics
	if a.cfg.Security.RedactTokens {
		var tokens []string
		for _, ep := range a.cfg.Servers {
			tokens = append(tokens, ep.Token)
		}
		opts.Redact = security.NewRedactor(tokens...)
	}
	return client, tunnel.New(client, opts)
}

// checkForUpdate runs the startup version gate. A required update or an
// unreachable server stops the command.
func (a *app) checkForUpdate(ctx context.Context) error {
	if !a.cfg.Update.Enabled {
		slog.Debug("update check disabled")
		return nil
	}
	out := updatecheck.CheckOnce(ctx, a.cfg.Update.URL, Version, a.cfg.UpdateTimeout())
	a.metrics.UpdateChecked(string(out.Status))
	if out.Status == updatecheck.StatusUpToDate {
		return nil
	}
	fmt.Fprintln(os.Stderr, out.Message())
	return out.Error()
}

func (a *app) userMessage(err error) string {
	return security.UserMessage(err, a.cfg.Security.RedactTokens)
}

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the frpc install, server table, profiles and file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, issue.Message)
				fmt.Printf("    -> %s\n", issue.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "update", Short: "Version checks"}
	var jsonOut bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Query the update endpoint once",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := updatecheck.CheckOnce(cmd.Context(), a.cfg.Update.URL, Version, a.cfg.UpdateTimeout())
			a.metrics.UpdateChecked(string(out.Status))
			if jsonOut {
				payload := map[string]any{
					"status":  out.Status,
					"current": out.Current,
					"latest":  out.Descriptor.Version,
					"url":     out.Descriptor.UpdateURL,
					"force":   out.Descriptor.ForceUpdate,
				}
				if err := writeJSON(payload); err != nil {
					return err
				}
			} else {
				fmt.Println(out.Message())
			}
			return out.Error()
		},
	}
	check.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	root.AddCommand(check)
	return root
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
