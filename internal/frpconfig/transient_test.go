package frpconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTransientAndCleanup(t *testing.T) {
	path, err := WriteTransient("[common]\nserver_addr = x\n")
	if err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %#o", st.Mode().Perm())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "[common]\nserver_addr = x\n" {
		t.Fatalf("unexpected content %q", b)
	}

	Cleanup(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected config removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); !os.IsNotExist(err) {
		t.Fatalf("expected private dir removed, stat err=%v", err)
	}
}

func TestCleanupIgnoresMissingFiles(t *testing.T) {
	Cleanup("")
	Cleanup(filepath.Join(t.TempDir(), "gone", "frpc.ini"))
}

func TestWriteTransientUsesDistinctPaths(t *testing.T) {
	a, err := WriteTransient("a")
	if err != nil {
		t.Fatal(err)
	}
	defer Cleanup(a)
	b, err := WriteTransient("b")
	if err != nil {
		t.Fatal(err)
	}
	defer Cleanup(b)
	if a == b {
		t.Fatalf("expected distinct transient paths, both %s", a)
	}
}
