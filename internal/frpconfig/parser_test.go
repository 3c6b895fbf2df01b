package frpconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFileReadsExistingClientConfig(t *testing.T) {
	content := strings.Join([]string{
		"# exported from another machine",
		"[common]",
		"server_addr = 203.0.113.7",
		"server_port = 15443",
		"token = abc ; not a comment inside value",
		"",
		"; proxies",
		"[ssh]",
		"type = tcp",
		"local_port = 22",
		"remote_port = 6000",
		"",
	}, "\n")
	path := filepath.Join(t.TempDir(), "frpc.ini")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(res.Sections))
	}
	ep, err := res.Endpoint()
	if err != nil {
		t.Fatal(err)
	}
	if ep.Address != "203.0.113.7" || ep.Port != 15443 {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if ssh, ok := res.Section("ssh"); !ok || ssh.Values["remote_port"] != "6000" {
		t.Fatalf("unexpected ssh section: %+v", ssh)
	}
}

func TestParseWarnsOnMalformedLines(t *testing.T) {
	res, err := Parse(strings.NewReader("orphan = 1\n[common\n[common]\nnot-an-entry\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", res.Warnings)
	}
	if _, err := res.Endpoint(); err == nil {
		t.Fatal("expected missing server_addr error")
	}
}

func TestEndpointDefaultsServerPort(t *testing.T) {
	res, err := Parse(strings.NewReader("[common]\nserver_addr = relay\n"))
	if err != nil {
		t.Fatal(err)
	}
	ep, err := res.Endpoint()
	if err != nil {
		t.Fatal(err)
	}
	if ep.Port != 7000 {
		t.Fatalf("expected frpc default port 7000, got %d", ep.Port)
	}
}
