package netboot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banksean/testbed"
)

// fakeRunner records commands and succeeds; the daemons are not around in
// tests.
type fakeRunner struct {
	commands [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	f.commands = append(f.commands, append([]string{name}, args...))
	return nil
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	f.commands = append(f.commands, append([]string{name}, args...))
	return "", nil
}

func (f *fakeRunner) Tee(ctx context.Context, dir, name string, args ...string) (string, error) {
	f.commands = append(f.commands, append([]string{name}, args...))
	return "", nil
}

func testRegistry(t *testing.T) (*Registry, *fakeRunner) {
	t.Helper()
	paths := testbed.TestPaths(t.TempDir())
	for _, dir := range []string{paths.TFTPRoot, paths.NFSRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(paths.Exports, nil, 0o644); err != nil {
		t.Fatalf("seed exports: %v", err)
	}
	run := &fakeRunner{}
	return NewRegistry(paths, run, testbed.NewStatus(nil)), run
}

func testNode() *testbed.Node {
	return &testbed.Node{
		ID:          "rpi1",
		Name:        "raspberry-one",
		TFTPPrefix:  "rpi1",
		MACAddress:  "b8:27:eb:01:02:03",
		IPv4Address: "10.0.0.11",
		PXE:         true,
	}
}

func TestAddRemoveNodeRoundTrip(t *testing.T) {
	registry, _ := testRegistry(t)
	node := testNode()
	ctx := context.Background()

	exportsBefore, _ := os.ReadFile(registry.Paths.Exports)

	if err := registry.AddNode(ctx, node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if !registry.Usable(node) {
		t.Fatal("node should be usable after AddNode")
	}
	if err := registry.RemoveNode(ctx, node); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if registry.Usable(node) {
		t.Error("node should not be usable after RemoveNode")
	}
	exportsAfter, _ := os.ReadFile(registry.Paths.Exports)
	if strings.TrimSpace(string(exportsBefore)) != strings.TrimSpace(string(exportsAfter)) {
		t.Errorf("exports not restored: %q -> %q", exportsBefore, exportsAfter)
	}
	if _, err := os.Stat(registry.Paths.NodeTFTPDir(node.TFTPPrefix)); !os.IsNotExist(err) {
		t.Error("tftp directory survived removal")
	}
	if _, err := os.Stat(registry.Paths.NodeNFSDir(node.TFTPPrefix)); !os.IsNotExist(err) {
		t.Error("nfs directory survived removal")
	}
	entries, err := registry.DHCPEntries()
	if err != nil {
		t.Fatalf("DHCPEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("dhcp entries survived removal: %+v", entries)
	}
}

func TestAddNodeIsIdempotent(t *testing.T) {
	registry, _ := testRegistry(t)
	node := testNode()
	ctx := context.Background()
	if err := registry.AddNode(ctx, node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := registry.AddNode(ctx, node); err != nil {
		t.Fatalf("second AddNode: %v", err)
	}
	lines, err := linesContaining(registry.Paths.DNSMasqNodes, node.MACAddress)
	if err != nil {
		t.Fatalf("reading dhcp file: %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("dhcp lines after double add: got %d, want 1", len(lines))
	}
	data, _ := os.ReadFile(registry.Paths.Exports)
	if strings.Count(string(data), node.TFTPPrefix) != 1 {
		t.Errorf("exports after double add:\n%s", data)
	}
}

func TestDHCPLineFormat(t *testing.T) {
	registry, _ := testRegistry(t)
	node := testNode()
	if err := registry.AddDHCP(node, node.IPv4Address, node.Name); err != nil {
		t.Fatalf("AddDHCP: %v", err)
	}
	data, _ := os.ReadFile(registry.Paths.DNSMasqNodes)
	want := "dhcp-host=set:pxe,b8:27:eb:01:02:03,10.0.0.11,raspberry-one"
	if strings.TrimSpace(string(data)) != want {
		t.Errorf("dhcp line: got %q, want %q", strings.TrimSpace(string(data)), want)
	}

	node.PXE = false
	if err := registry.RemoveDHCP(node); err != nil {
		t.Fatalf("RemoveDHCP: %v", err)
	}
	// The pxe-tagged line survives a non-pxe keyed removal.
	node.PXE = true
	if err := registry.RemoveDHCP(node); err != nil {
		t.Fatalf("RemoveDHCP: %v", err)
	}
	data, _ = os.ReadFile(registry.Paths.DNSMasqNodes)
	if strings.Contains(string(data), "dhcp-host") {
		t.Errorf("dhcp line not removed: %q", data)
	}
}

func TestChangeHostname(t *testing.T) {
	registry, _ := testRegistry(t)
	node := testNode()
	if err := registry.AddDHCP(node, node.IPv4Address, node.Name); err != nil {
		t.Fatalf("AddDHCP: %v", err)
	}
	if err := registry.ChangeHostname(node, "web-1"); err != nil {
		t.Fatalf("ChangeHostname: %v", err)
	}
	entry, ok := registry.Lookup(node)
	if !ok {
		t.Fatal("entry vanished")
	}
	if entry.Hostname != "web-1" || entry.IPv4 != "10.0.0.11" {
		t.Errorf("entry after rename: %+v", entry)
	}
}

func TestIPv4AddressReadback(t *testing.T) {
	registry, _ := testRegistry(t)
	node := testNode()
	if _, found := registry.IPv4Address(node); found {
		t.Error("address found before any entry exists")
	}
	if err := registry.AddDHCP(node, "10.0.0.42", node.Name); err != nil {
		t.Fatalf("AddDHCP: %v", err)
	}
	addr, found := registry.IPv4Address(node)
	if !found || addr != "10.0.0.42" {
		t.Errorf("readback: got %q found=%v", addr, found)
	}
}

func TestRemoveNFSRootSoftAndHard(t *testing.T) {
	registry, _ := testRegistry(t)
	dir := registry.Paths.NodeNFSDir("rpi1")
	if err := os.MkdirAll(filepath.Join(dir, "etc"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := registry.RemoveNFSRoot("rpi1", false); err != nil {
		t.Fatalf("RemoveNFSRoot: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("soft delete should recreate the directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("directory not emptied: %v", entries)
	}
	if err := registry.RemoveNFSRoot("rpi1", true); err != nil {
		t.Fatalf("hard RemoveNFSRoot: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("hard delete left the directory behind")
	}
}

func TestReplaceInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdline.txt")
	content := "root=%NFS_ROOT% server=%SERVER_IP%\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReplaceInFile(path, "%NFS_ROOT%", "/nfs/rpi1"); err != nil {
		t.Fatalf("ReplaceInFile: %v", err)
	}
	if err := ReplaceInFile(path, "%SERVER_IP%", "10.0.0.1"); err != nil {
		t.Fatalf("ReplaceInFile: %v", err)
	}
	data, _ := os.ReadFile(path)
	want := "root=/nfs/rpi1 server=10.0.0.1\n"
	if string(data) != want {
		t.Errorf("substitution: got %q, want %q", data, want)
	}
}

func TestRestartServicesRestartsBothDaemons(t *testing.T) {
	registry, run := testRegistry(t)
	registry.RestartServices(context.Background())
	if len(run.commands) != 2 {
		t.Fatalf("restart commands: got %d, want 2", len(run.commands))
	}
	if run.commands[0][1] != "nfs-kernel-server" || run.commands[1][1] != "dnsmasq" {
		t.Errorf("unexpected services restarted: %v", run.commands)
	}
}
