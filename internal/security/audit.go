package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/model"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// placeholderPrefix marks the tokens written by appconfig.Default.
const placeholderPrefix = "change-me"

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Audit inspects cfg and the on-disk posture of the files holding relay tokens.
func Audit(cfg appconfig.Config) AuditReport {
	var findings []Finding

	for _, id := range sortedServerIDs(cfg) {
		ep := cfg.Servers[model.ServerConfigID(id)]
		target := fmt.Sprintf("servers.%s", id)
		switch {
		case strings.TrimSpace(ep.Token) == "":
			findings = append(findings, Finding{
				Severity:       SeverityMedium,
				Target:         target,
				Message:        "no auth token configured",
				Recommendation: "set the token the relay server expects",
			})
		case strings.HasPrefix(ep.Token, placeholderPrefix):
			findings = append(findings, Finding{
				Severity:       SeverityHigh,
				Target:         target,
				Message:        "placeholder auth token is still in use",
				Recommendation: "replace the token in config.yaml with the relay's real token",
			})
		}
	}
	if !cfg.Security.RedactTokens {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         "config.yaml",
			Message:        "tokens are shown unmasked in output and logs",
			Recommendation: "set security.redact_tokens to true",
		})
	}
	if strings.HasPrefix(strings.ToLower(cfg.Update.URL), "http://") {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         "update.url",
			Message:        "version check uses plain HTTP",
			Recommendation: "use an https:// update endpoint",
		})
	}
	if !filepath.IsAbs(cfg.Binary.Path) {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "binary.path",
			Message:        fmt.Sprintf("frpc is resolved via PATH (%s)", cfg.Binary.Path),
			Recommendation: "set binary.path to an absolute path",
		})
	}

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		for _, name := range []string{"config.yaml", "profiles.yaml", "history.json"} {
			checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}
}

func sortedServerIDs(cfg appconfig.Config) []string {
	ids := make([]string, 0, len(cfg.Servers))
	for id := range cfg.Servers {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
