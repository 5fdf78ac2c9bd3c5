package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
	"github.com/banksean/testbed/ledger"
	"github.com/banksean/testbed/logs"
	"github.com/banksean/testbed/netboot"
)

// fakeRunner records every command and answers canned output per binary.
type fakeRunner struct {
	commands [][]string
	outputs  map[string]string
	fail     map[string]bool
}

func (f *fakeRunner) record(name string, args []string) error {
	f.commands = append(f.commands, append([]string{name}, args...))
	if f.fail[name] {
		return fmt.Errorf("%s failed", name)
	}
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	return f.record(name, args)
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	if err := f.record(name, args); err != nil {
		return "", err
	}
	return f.outputs[name], nil
}

func (f *fakeRunner) Tee(ctx context.Context, dir, name string, args ...string) (string, error) {
	if err := f.record(name, args); err != nil {
		return "", err
	}
	return f.outputs[name], nil
}

func (f *fakeRunner) ran(name string) bool {
	for _, cmd := range f.commands {
		if cmd[0] == name {
			return true
		}
	}
	return false
}

func (f *fakeRunner) count(name string) int {
	n := 0
	for _, cmd := range f.commands {
		if cmd[0] == name {
			n++
		}
	}
	return n
}

type fakeSSH struct {
	commands []string
}

func (f *fakeSSH) Run(ctx context.Context, node *testbed.Node, command string) error {
	f.commands = append(f.commands, command)
	return nil
}

const deployTestConfig = `
nodes:
  n1:
    name: node-one
    tftp-prefix: n1
    mac-address: b8:27:eb:01:02:03
    ipv4-address: 10.0.0.11
    serial-number: 100001
    architecture: ARM64
    log-inputs:
      hosts: [n1]
    power:
      reboot: powerctl reboot n1
server-ip: 10.0.0.1
log-server: http://10.0.0.1:8080/log
logstash-base-directory: %s
owner: carol
`

type fixture struct {
	deployer *Deployer
	run      *fakeRunner
	ssh      *fakeSSH
	paths    testbed.Paths
	store    *ledger.Store
	registry *netboot.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paths := testbed.TestPaths(t.TempDir())
	for _, dir := range []string{paths.Base, paths.OSImages, paths.Tmp, paths.Results, paths.TFTPRoot, paths.NFSRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(paths.Exports, nil, 0o644); err != nil {
		t.Fatalf("seed exports: %v", err)
	}
	logstash := filepath.Join(paths.Base, "shipper")
	configBody := fmt.Sprintf(deployTestConfig, logstash)
	if err := os.WriteFile(paths.ConfigFile(), []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	run := &fakeRunner{
		outputs: map[string]string{
			"kpartx": "add map loop0p1 (253:0): 0 524288 linear 7:0 8192\nadd map loop0p2 (253:1): 0 3000000 linear 7:0 100000\n",
			"fdisk":  "Device Boot Start End Sectors Id Type\nimg1 8192 532479 524288 c W95 FAT32\nimg2 532480 3532479 3000000 83 Linux\n",
		},
		fail: map[string]bool{},
	}
	ssh := &fakeSSH{}
	status := testbed.NewStatus(nil)
	cfg := testbed.OpenConfig(paths.ConfigFile())
	store, err := ledger.Open(paths.LedgerFile())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	registry := netboot.NewRegistry(paths, run, status)
	logManager := logs.NewManager(cfg, paths, run, status)
	deployer := New(cfg, store, registry, logManager, paths, run, ssh, status)
	deployer.Probe = func(ctx context.Context, address string) bool { return true }

	// Make n1 usable: nfs dir, tftp dir, dhcp entry.
	node, err := cfg.Node("n1")
	if err != nil || node == nil {
		t.Fatalf("config node: %v", err)
	}
	if err := registry.AddNode(context.Background(), node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	run.commands = nil

	return &fixture{deployer: deployer, run: run, ssh: ssh, paths: paths, store: store, registry: registry}
}

// packageImage drops a packaged artifact with the given manifest into the
// image store.
func (f *fixture) packageImage(t *testing.T, cfg image.Configuration) {
	t.Helper()
	scratch, err := os.MkdirTemp("", "artifact-*")
	if err != nil {
		t.Fatalf("scratch dir: %v", err)
	}
	defer os.RemoveAll(scratch)
	build := filepath.Join(scratch, image.BuildDirectory)
	if err := os.MkdirAll(build, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, err := json.Marshal(&cfg)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(build, image.ManifestName), raw, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(build, "generated.img"), []byte("disk"), 0o644); err != nil {
		t.Fatalf("write disk: %v", err)
	}
	if err := image.CompressDir(f.paths.ImageFile(cfg.Name), build); err != nil {
		t.Fatalf("CompressDir: %v", err)
	}
}

func netbootManifest(name string) image.Configuration {
	return image.Configuration{
		Name:         name,
		Architecture: testbed.ARM64,
		Partitions: []image.Partition{
			{Filesystem: "vfat", Mountpoint: "/boot", Name: "boot", Size: "256M", StartSector: "8192", Type: "c"},
			{Filesystem: "ext4", Mountpoint: "/", Name: "root", Size: "0", StartSector: "100000", Type: "83"},
		},
		MountOrder: []image.Mountpoint{
			{MountPosition: 1, PartitionNumber: 2, Path: "/"},
			{MountPosition: 2, PartitionNumber: 1, Path: "/boot"},
		},
	}
}

func TestDeployNetbootService(t *testing.T) {
	f := newFixture(t)
	f.packageImage(t, netbootManifest("web"))
	ctx := context.Background()

	deployment := testbed.NewDeployment("stack", "carol")
	svc := testbed.NewService("web", "web", "h1")
	deployment.Services = append(deployment.Services, svc)
	if err := f.deployer.Deploy(ctx, &deployment); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if deployment.ID == 0 {
		t.Fatal("deployment id not assigned")
	}
	services, err := f.store.ServicesByDeployment(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("ServicesByDeployment: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("services persisted: got %d, want 1", len(services))
	}
	if services[0].Node != "n1" {
		t.Errorf("service bound to %s, want n1", services[0].Node)
	}
	if services[0].Architecture != testbed.ARM64 {
		t.Errorf("architecture not resolved from manifest: %s", services[0].Architecture)
	}

	// The node's DHCP entry now carries the service hostname.
	node, _ := f.deployer.Cfg.Node("n1")
	entry, ok := f.registry.Lookup(node)
	if !ok || entry.Hostname != "h1" {
		t.Errorf("dhcp entry after deploy: %+v", entry)
	}

	// Partitions were mapped, mounted, copied, unmounted, and the result
	// moved into the NFS root with the boot partition bound into TFTP.
	for _, binary := range []string{"kpartx", "mount", "rsync", "umount"} {
		if !f.run.ran(binary) {
			t.Errorf("%s never invoked", binary)
		}
	}
	var sawMove, sawBind bool
	for _, cmd := range f.run.commands {
		line := strings.Join(cmd, " ")
		if cmd[0] == "rsync" && strings.Contains(line, f.paths.NodeNFSDir("n1")) {
			sawMove = true
		}
		if cmd[0] == "mount" && strings.Contains(line, "bind") && strings.Contains(line, f.paths.NodeTFTPDir("n1")) {
			sawBind = true
		}
	}
	if !sawMove {
		t.Error("result never moved into the NFS root")
	}
	if !sawBind {
		t.Error("boot partition never bound into TFTP")
	}

	// pxe=false: no PXE file; node rebooted exactly once.
	pxePath := filepath.Join(f.paths.TFTPRoot, "pxelinux.cfg", node.PXEFileName())
	if _, err := os.Stat(pxePath); !os.IsNotExist(err) {
		t.Error("unexpected PXE file for a non-pxe image")
	}
	if got := f.run.count("powerctl"); got != 1 {
		t.Errorf("node rebooted %d times, want 1", got)
	}

	// The sandbox is gone.
	leftovers, err := os.ReadDir(f.paths.Tmp)
	if err != nil {
		t.Fatalf("reading tmp: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("sandbox leftovers: %v", leftovers)
	}
}

func TestDeployAdmissionFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	manifest := netbootManifest("winonly")
	manifest.Architecture = testbed.X86
	f.packageImage(t, manifest)
	ctx := context.Background()

	deployment := testbed.NewDeployment("stack", "carol")
	deployment.Services = append(deployment.Services, testbed.NewService("win", "winonly", "h1"))
	if err := f.deployer.Deploy(ctx, &deployment); err == nil {
		t.Fatal("expected admission to fail")
	}
	deployments, err := f.store.Deployments(ctx)
	if err != nil {
		t.Fatalf("Deployments: %v", err)
	}
	if len(deployments) != 0 {
		t.Errorf("admission failure persisted %d deployments", len(deployments))
	}
	if f.run.ran("kpartx") {
		t.Error("provisioning ran despite admission failure")
	}
}

func TestDeployOnDeviceCreatesResultsTask(t *testing.T) {
	f := newFixture(t)
	app := netbootManifest("app")
	app.OnDevice = true
	f.packageImage(t, app)
	// The node's default OS used for staging the flash.
	defaultOS := netbootManifest("raspbian")
	f.packageImage(t, defaultOS)

	// Give n1 a default OS and storage device.
	configBody, err := os.ReadFile(f.paths.ConfigFile())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	updated := strings.Replace(string(configBody), "architecture: ARM64",
		"architecture: ARM64\n    default-os: raspbian\n    storage-device: mmcblk0", 1)
	if err := os.WriteFile(f.paths.ConfigFile(), []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	// The deployer key must exist for the authorized_keys staging.
	if err := os.WriteFile(f.paths.DeployerKey()+".pub", []byte("ssh-ed25519 AAAA test"), 0o600); err != nil {
		t.Fatalf("seed deployer key: %v", err)
	}

	ctx := context.Background()
	deployment := testbed.NewDeployment("flashrun", "carol")
	deployment.Services = append(deployment.Services, testbed.NewService("app", "app", "h2"))
	if err := f.deployer.Deploy(ctx, &deployment); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	var sawFlash bool
	for _, cmd := range f.ssh.commands {
		if strings.HasPrefix(cmd, "dd if=/root/generated.img of=/dev/mmcblk0") {
			sawFlash = true
		}
	}
	if !sawFlash {
		t.Errorf("image never flashed over ssh, ssh commands: %v", f.ssh.commands)
	}

	tasks, err := f.store.TasksByDeployment(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("TasksByDeployment: %v", err)
	}
	var results *testbed.Task
	for i := range tasks {
		if tasks[i].Kind == testbed.TaskGetResults {
			results = &tasks[i]
		}
	}
	if results == nil {
		t.Fatal("no GetResults task persisted")
	}
	var mountpoint image.Mountpoint
	if err := json.Unmarshal([]byte(results.Parameters), &mountpoint); err != nil {
		t.Fatalf("decoding task parameters: %v", err)
	}
	if mountpoint.PartitionNumber != 2 || mountpoint.CleanPath() != "/" {
		t.Errorf("results mountpoint wrong: %+v", mountpoint)
	}
}

func TestWritePXEFile(t *testing.T) {
	f := newFixture(t)
	node, _ := f.deployer.Cfg.Node("n1")

	onDevice := &image.Configuration{OnDevice: true}
	if err := f.deployer.writePXEFile(onDevice, node); err != nil {
		t.Fatalf("writePXEFile: %v", err)
	}
	path := filepath.Join(f.paths.TFTPRoot, "pxelinux.cfg", node.PXEFileName())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pxe file: %v", err)
	}
	if string(data) != "DEFAULT local\nlabel local\nLOCALBOOT 0" {
		t.Errorf("on-device pxe content: %q", data)
	}

	netbootCfg := &image.Configuration{
		PXE:        true,
		PXEKernel:  "vmlinuz",
		PXEOptions: "ip=dhcp nfsroot=%SERVER_IP%:%NFS_ROOT%",
	}
	if err := f.deployer.writePXEFile(netbootCfg, node); err != nil {
		t.Fatalf("writePXEFile: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pxe file: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "DEFAULT "+f.paths.NodeTFTPDir("n1")+"/vmlinuz") {
		t.Errorf("netboot pxe default line: %q", content)
	}
	if strings.Contains(content, "%SERVER_IP%") || strings.Contains(content, "%NFS_ROOT%") {
		t.Errorf("placeholders not substituted: %q", content)
	}
	if !strings.Contains(content, "10.0.0.1:"+f.paths.NodeNFSDir("n1")) {
		t.Errorf("substituted values wrong: %q", content)
	}
}

func TestAttachLoopDeviceParsesKpartx(t *testing.T) {
	f := newFixture(t)
	loopdev, err := f.deployer.attachLoopDevice(context.Background(), "sandbox")
	if err != nil {
		t.Fatalf("attachLoopDevice: %v", err)
	}
	if loopdev != "loop0" {
		t.Errorf("loop device: got %s, want loop0", loopdev)
	}
}

func TestIsLVMDetection(t *testing.T) {
	f := newFixture(t)
	if f.deployer.isLVM(context.Background(), "sandbox") {
		t.Error("plain partition table detected as LVM")
	}
	f.run.outputs["fdisk"] = "img1 8192 532479 524288 8e Linux LVM\n"
	if !f.deployer.isLVM(context.Background(), "sandbox") {
		t.Error("LVM partition table not detected")
	}
}
