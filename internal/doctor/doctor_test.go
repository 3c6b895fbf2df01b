package doctor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/profiles"
)

type fakeFinder struct{ pids []int32 }

func (f fakeFinder) FindByName(context.Context, string) ([]int32, error) { return f.pids, nil }

func hasCheck(r Report, check string) bool {
	for _, issue := range r.Issues {
		if issue.Check == check {
			return true
		}
	}
	return false
}

func TestRunFlagsDuplicateRemotePort(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, p := range []profiles.Profile{
		{Name: "web", Server: model.ServerPrimary, LocalPort: 8080, RemotePort: 16000},
		{Name: "api", Server: model.ServerPrimary, LocalPort: 9090, RemotePort: 16000},
		{Name: "game", Server: model.ServerSecondary, LocalPort: 25565, RemotePort: 16000},
	} {
		if err := profiles.Save(p); err != nil {
			t.Fatal(err)
		}
	}

	report, err := RunWith(context.Background(), appconfig.Default(), Checks{})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, issue := range report.Issues {
		if issue.Check == "duplicate-remote-port" {
			count++
			if issue.Target != "primary:16000" {
				t.Fatalf("unexpected duplicate target %q", issue.Target)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one duplicate-remote-port issue, got %+v", report.Issues)
	}
}

func TestRunReportsBusyProbePortAndRunningFrpc(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := profiles.Save(profiles.Profile{Name: "web", Server: model.ServerPrimary, LocalPort: 8080, RemotePort: 16000}); err != nil {
		t.Fatal(err)
	}
	var probed []int
	checks := Checks{
		PortBound: func(port int) bool {
			probed = append(probed, port)
			return true
		},
		Processes: fakeFinder{pids: []int32{4242}},
	}

	report, err := RunWith(context.Background(), appconfig.Default(), checks)
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "profile-port-busy") || !hasCheck(report, "running-frpc") {
		t.Fatalf("expected busy port and running frpc issues, got %+v", report.Issues)
	}
	if len(probed) != 1 || probed[0] != 16000 {
		t.Fatalf("expected remote port to be probed, got %v", probed)
	}
}

func TestRunFlagsBrokenServerTable(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := appconfig.Default()
	cfg.Servers = map[model.ServerConfigID]model.ServerEndpoint{
		model.ServerPrimary: {Address: "", Port: 0, Token: "x-real-token"},
	}
	report, err := RunWith(context.Background(), cfg, Checks{})
	if err != nil {
		t.Fatal(err)
	}
	high := 0
	for _, issue := range report.Issues {
		if issue.Check == "server-table" && issue.Severity == SeverityHigh {
			high++
		}
	}
	if high != 2 {
		t.Fatalf("expected empty address and bad port issues, got %+v", report.Issues)
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("expected issues sorted by severity, got %+v", report.Issues)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	report, err := RunWith(context.Background(), appconfig.Default(), Checks{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
	if !hasCheck(report, "security-audit") {
		t.Fatalf("expected placeholder token finding from the audit, got %+v", report.Issues)
	}
}
