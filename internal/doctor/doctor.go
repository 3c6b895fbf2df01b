package doctor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/frpclient"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/profiles"
	"github.com/treykane/frpc-manager/internal/reaper"
	"github.com/treykane/frpc-manager/internal/security"
	"github.com/treykane/frpc-manager/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// ProcessFinder lists running processes by name.
type ProcessFinder interface {
	FindByName(ctx context.Context, name string) ([]int32, error)
}

// Checks holds the host probes Run uses.
type Checks struct {
	PortBound func(port int) bool
	Processes ProcessFinder
}

// Run executes local diagnostics for frpc-manager operations.
func Run(ctx context.Context, cfg appconfig.Config) (Report, error) {
	return RunWith(ctx, cfg, Checks{PortBound: util.IsPortBound, Processes: reaper.New()})
}

// RunWith is Run with injectable host probes.
func RunWith(ctx context.Context, cfg appconfig.Config, checks Checks) (Report, error) {
	var issues []Issue

	if err := frpclient.New(cfg.Binary.Path).EnsureBinary(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "frpc-binary",
			Target:         cfg.Binary.Path,
			Message:        err.Error(),
			Recommendation: "install frpc and set binary.path in config.yaml",
		})
	}

	issues = append(issues, serverTableIssues(cfg)...)

	saved, err := profiles.LoadAll()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "profiles",
			Target:         "profiles.yaml",
			Message:        err.Error(),
			Recommendation: "fix or remove profiles.yaml",
		})
	}
	issues = append(issues, profileIssues(cfg, saved, checks.PortBound)...)

	if checks.Processes != nil {
		pids, err := checks.Processes.FindByName(ctx, cfg.Binary.ProcessName)
		if err == nil && len(pids) > 0 {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "running-frpc",
				Target:         cfg.Binary.ProcessName,
				Message:        fmt.Sprintf("%d %s process(es) already running (pids %v)", len(pids), cfg.Binary.ProcessName, pids),
				Recommendation: "they are terminated automatically on a port conflict; run `frpc-manager reap` to clear them now",
			})
		}
	}

	for _, f := range security.Audit(cfg).Findings {
		sev := SeverityLow
		if f.Severity == security.SeverityMedium {
			sev = SeverityMedium
		}
		if f.Severity == security.SeverityHigh {
			sev = SeverityHigh
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func serverTableIssues(cfg appconfig.Config) []Issue {
	var issues []Issue
	for _, id := range model.ServerConfigIDs {
		target := "servers." + string(id)
		ep, ok := cfg.Servers[id]
		if !ok {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "server-table",
				Target:         target,
				Message:        "server is not configured",
				Recommendation: "add it to config.yaml or do not select it",
			})
			continue
		}
		if strings.TrimSpace(ep.Address) == "" {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "server-table",
				Target:         target,
				Message:        "server address is empty",
				Recommendation: "set the relay host name or IP",
			})
		}
		if ep.Port < 1 || ep.Port > util.MaxPort {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "server-table",
				Target:         target,
				Message:        fmt.Sprintf("server port %d is out of range", ep.Port),
				Recommendation: "set the relay's bind_port",
			})
		}
	}
	return issues
}

func profileIssues(cfg appconfig.Config, saved []profiles.Profile, portBound func(int) bool) []Issue {
	var issues []Issue
	table := cfg.ServerTable()
	seen := map[string][]string{}
	for _, p := range saved {
		if _, err := p.Resolve(table); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "profile-server",
				Target:         p.Name,
				Message:        err.Error(),
				Recommendation: "point the profile at a configured server",
			})
		}
		key := fmt.Sprintf("%s:%d", p.Server, p.RemotePort)
		seen[key] = append(seen[key], p.Name)

		probe := p.RemotePort
		if cfg.Tunnel.ProbePort == appconfig.ProbeLocalPort {
			probe = p.LocalPort
		}
		if portBound != nil && portBound(probe) {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "profile-port-busy",
				Target:         p.Name,
				Message:        fmt.Sprintf("probe port %d is in use", probe),
				Recommendation: "starting this profile will terminate running frpc instances first",
			})
		}
	}
	for key, names := range seen {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-remote-port",
			Target:         key,
			Message:        fmt.Sprintf("remote port is claimed by %d profiles (%s)", len(names), strings.Join(names, ", ")),
			Recommendation: "use a unique remote port per server to avoid proxy name collisions",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
