package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
	"github.com/banksean/testbed/netboot"
)

// generatedImage is the disk image filename inside an unpacked artifact.
const generatedImage = "generated.img"

func (d *Deployer) sandboxBuildDir(sandbox string) string {
	return filepath.Join(d.Paths.SandboxDir(sandbox), image.BuildDirectory)
}

func (d *Deployer) sandboxImage(sandbox string) string {
	return filepath.Join(d.sandboxBuildDir(sandbox), generatedImage)
}

// deployImage runs the per-service provisioning state machine: sandbox,
// unpack, read manifest, then either the netboot assembly or the on-device
// flashing path. The sandbox is removed on success and failure alike.
func (d *Deployer) deployImage(ctx context.Context, deployment *testbed.Deployment, svc *testbed.Service, imageName string, node *testbed.Node) bool {
	artifact := d.Paths.ImageFile(imageName)
	if _, err := os.Stat(artifact); err != nil {
		d.Status.Step(fmt.Sprintf("image %s not found", imageName), false)
		return false
	}
	sandbox := testbed.RandomName()
	d.Status.Infof("chosen name for sandbox is %s", sandbox)
	d.Status.Infof("chosen node is %s", node.ID)
	d.Status.StepErr("create deploy sandbox", os.MkdirAll(d.Paths.SandboxDir(sandbox), 0o755))
	defer func() {
		d.Status.StepErr("destroy deploy sandbox", os.RemoveAll(d.Paths.SandboxDir(sandbox)))
	}()
	d.Status.StepErr("unpack image in sandbox", image.Unpack(artifact, d.Paths.SandboxDir(sandbox)))
	cfg, err := d.readSandboxConfiguration(sandbox)
	if !d.Status.Step("read configuration", err == nil) {
		return false
	}
	if cfg.OnDevice {
		ok := d.deployImageOnLocalStorage(ctx, deployment, svc, sandbox, node)
		if node.PXE {
			d.Status.StepErr("write pxefile", d.writePXEFile(cfg, node))
		}
		return ok
	} else {
		d.deployImageForNetboot(ctx, sandbox, cfg, node)
	}
	return true
}

func (d *Deployer) readSandboxConfiguration(sandbox string) (*image.Configuration, error) {
	data, err := os.ReadFile(filepath.Join(d.sandboxBuildDir(sandbox), image.ManifestName))
	if err != nil {
		return nil, err
	}
	var cfg image.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", image.ManifestName, err)
	}
	return &cfg, nil
}

// deployImageForNetboot assembles the image's partitions into the node's NFS
// root and points the node's boot loader at it.
func (d *Deployer) deployImageForNetboot(ctx context.Context, sandbox string, cfg *image.Configuration, node *testbed.Node) {
	if cfg.Architecture == testbed.X86 {
		d.Status.StepErr("convert vmdk to img", d.convertVMDK(ctx, sandbox))
	}
	loopdev, err := d.attachLoopDevice(ctx, sandbox)
	d.Status.Step("add new loopdevice", err == nil)
	if err != nil {
		return
	}
	d.Status.Infof("loopdevice is %s", loopdev)
	lvm := d.isLVM(ctx, sandbox)
	var vg string
	var lvmPartitions []image.Partition
	if lvm {
		vg, lvmPartitions = d.handleLVMImage(ctx, cfg, loopdev)
		cfg.Partitions = lvmPartitions
		for i, partition := range cfg.Partitions {
			ok := d.mountLVMPartition(ctx, sandbox, vg, i+1, partition)
			d.Status.Step(fmt.Sprintf("mount lvm-partition #%d", i+1), ok)
		}
		// In LVM mode the mount order is the partition order.
		cfg.MountOrder = nil
		cfg.FallbackMountOrder()
	} else {
		if len(cfg.MountOrder) == 0 {
			d.Status.Info("no mountorder in configuration, falling back on partitions")
			cfg.FallbackMountOrder()
		}
		for _, mountpoint := range cfg.MountOrder {
			ok := d.mountPartition(ctx, sandbox, loopdev, mountpoint)
			d.Status.Step(fmt.Sprintf("mount partition #%d", mountpoint.PartitionNumber), ok)
		}
	}
	d.Status.StepErr("create result directory", os.Mkdir(filepath.Join(d.Paths.SandboxDir(sandbox), "result"), 0o755))
	for _, mountpoint := range cfg.MountOrder {
		n := mountpoint.PartitionNumber
		d.Status.Step(fmt.Sprintf("copy partition #%d to result", n), d.copyPartitionToResult(ctx, sandbox, mountpoint))
		d.Status.Step(fmt.Sprintf("umount partition #%d", n), d.unmountPartition(ctx, sandbox, n))
		d.Status.StepErr(fmt.Sprintf("remove partition #%d directory", n),
			os.RemoveAll(filepath.Join(d.Paths.SandboxDir(sandbox), strconv.Itoa(n))))
	}
	if lvm {
		d.Status.Step("deactivate vgs", d.deactivateVGs(ctx, vg))
	}
	d.Status.Step("remove loopdevice", d.detachLoopDevice(ctx, sandbox))
	d.Status.Step("resolve bootconfigs", d.resolveBootConfigs(ctx, sandbox, image.GroupBootConfigs(cfg.BootConfigs), node))
	if cfg.PXE {
		d.Status.StepErr("write pxefile", d.writePXEFile(cfg, node))
	}
	d.Status.Step("unmount old tftpboot directory", d.Net.UnmountTFTP(ctx, node.TFTPPrefix) == nil)
	d.Status.Step("copy image result to nfsroot", d.moveResultToNFS(ctx, sandbox, node.TFTPPrefix))
	d.Status.Step("mount boot partition in tftpboot", d.mountBootInTFTP(ctx, cfg, node.TFTPPrefix))
}

func (d *Deployer) convertVMDK(ctx context.Context, sandbox string) error {
	build := d.sandboxBuildDir(sandbox)
	return d.Run.Run(ctx, "qemu-img", "convert", "-f", "vmdk",
		filepath.Join(build, "generated.vmdk"),
		filepath.Join(build, generatedImage))
}

// attachLoopDevice maps the image's partitions and returns the loop device
// name parsed from the first mapping line, e.g. "loop0" out of
// "add map loop0p1 (253:0): ...".
func (d *Deployer) attachLoopDevice(ctx context.Context, sandbox string) (string, error) {
	out, err := d.Run.Output(ctx, "kpartx", "-av", d.sandboxImage(sandbox))
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return "", fmt.Errorf("kpartx reported no mappings")
	}
	words := strings.Fields(lines[0])
	if len(words) < 3 {
		return "", fmt.Errorf("unexpected kpartx output %q", lines[0])
	}
	mapping := words[2]
	idx := strings.LastIndex(mapping, "p")
	if idx <= 0 {
		return "", fmt.Errorf("unexpected kpartx mapping %q", mapping)
	}
	return mapping[:idx], nil
}

func (d *Deployer) detachLoopDevice(ctx context.Context, sandbox string) bool {
	return d.Run.Run(ctx, "kpartx", "-d", d.sandboxImage(sandbox)) == nil
}

func (d *Deployer) isLVM(ctx context.Context, sandbox string) bool {
	out, err := d.Run.Output(ctx, "fdisk", "-l", d.sandboxImage(sandbox))
	if err != nil {
		return false
	}
	return strings.Contains(out, "Linux LVM")
}

// handleLVMImage discovers the volume group behind the loop device, matches
// its logical volumes to manifest partitions by name, and activates the
// group.
func (d *Deployer) handleLVMImage(ctx context.Context, cfg *image.Configuration, loopdev string) (string, []image.Partition) {
	pv, vg, err := d.pvAndVG(ctx, loopdev)
	if err != nil {
		d.Status.Step("discover volume group", false)
		return "", nil
	}
	d.Status.Infof("pv is %s", pv)
	d.Status.Infof("vg is %s", vg)
	var partitions []image.Partition
	for i, lv := range d.lvmVolumes(ctx, vg) {
		parts := strings.Split(lv, vg+"/")
		name := parts[len(parts)-1]
		for _, partition := range cfg.Partitions {
			if partition.Name == name {
				partitions = append(partitions, partition)
				d.Status.Infof("partition#%d is %s with name %s", i, lv, name)
				break
			}
		}
	}
	d.Status.Step("activate vgs", d.Run.Run(ctx, "vgchange", "-ay", vg) == nil)
	return vg, partitions
}

func (d *Deployer) pvAndVG(ctx context.Context, loopdev string) (string, string, error) {
	out, err := d.Run.Output(ctx, "pvs")
	if err != nil {
		return "", "", err
	}
	var match string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, loopdev) {
			match = line
		}
	}
	fields := strings.Fields(match)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("no physical volume on %s", loopdev)
	}
	return fields[0], fields[1], nil
}

func (d *Deployer) lvmVolumes(ctx context.Context, vg string) []string {
	out, err := d.Run.Output(ctx, "lvdisplay", vg)
	if err != nil {
		return nil
	}
	var volumes []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "LV Path") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			volumes = append(volumes, fields[len(fields)-1])
		}
	}
	return volumes
}

func (d *Deployer) deactivateVGs(ctx context.Context, vg string) bool {
	d.Run.Run(ctx, "vgchange", "-an", vg)
	return d.Run.Run(ctx, "vgexport", vg) == nil
}

func (d *Deployer) mountPartition(ctx context.Context, sandbox, loopdev string, mountpoint image.Mountpoint) bool {
	dir := filepath.Join(d.Paths.SandboxDir(sandbox), strconv.Itoa(mountpoint.PartitionNumber))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	device := fmt.Sprintf("/dev/mapper/%sp%d", loopdev, mountpoint.PartitionNumber)
	return d.Run.Run(ctx, "mount", device, dir) == nil
}

func (d *Deployer) mountLVMPartition(ctx context.Context, sandbox, vg string, number int, partition image.Partition) bool {
	dir := filepath.Join(d.Paths.SandboxDir(sandbox), strconv.Itoa(number))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	device := filepath.Join("/dev", vg, partition.Name)
	return d.Run.Run(ctx, "mount", device, dir) == nil
}

func (d *Deployer) unmountPartition(ctx context.Context, sandbox string, number int) bool {
	return d.Run.Run(ctx, "umount", filepath.Join(d.Paths.SandboxDir(sandbox), strconv.Itoa(number))) == nil
}

func (d *Deployer) copyPartitionToResult(ctx context.Context, sandbox string, mountpoint image.Mountpoint) bool {
	source := filepath.Join(d.Paths.SandboxDir(sandbox), strconv.Itoa(mountpoint.PartitionNumber)) + "/"
	target := filepath.Join(d.Paths.SandboxDir(sandbox), "result") + mountpoint.CleanPath()
	return d.Run.Run(ctx, "rsync", "-a", source, target) == nil
}

// resolveBootConfigs substitutes the placeholder variables in every
// templated boot file of the assembled result tree.
func (d *Deployer) resolveBootConfigs(ctx context.Context, sandbox string, bootconfig image.BootConfig, node *testbed.Node) bool {
	if len(bootconfig.Files) == 0 {
		return false
	}
	placeholders, err := d.placeholders(node)
	if err != nil {
		return false
	}
	success := true
	for _, file := range bootconfig.Files {
		path := filepath.Join(d.Paths.SandboxDir(sandbox), "result") + ensureSlash(file)
		ok := replacePlaceholders(path, placeholders)
		d.Status.Step(fmt.Sprintf("resolving %s", file), ok)
		if !ok {
			success = false
		}
	}
	return success
}

func ensureSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

// placeholders are the substitution variables drawn from the cluster
// configuration for one node.
func (d *Deployer) placeholders(node *testbed.Node) ([][2]string, error) {
	serverIP, err := d.Cfg.ServerIP()
	if err != nil {
		return nil, err
	}
	logServer, err := d.Cfg.LogServer()
	if err != nil {
		return nil, err
	}
	return [][2]string{
		{"%SERVER_IP%", serverIP},
		{"%NFS_ROOT%", d.Paths.NodeNFSDir(node.TFTPPrefix)},
		{"%LOG_SERVER%", logServer},
		{"%TFTP_ROOT%", d.Paths.NodeTFTPDir(node.TFTPPrefix)},
	}, nil
}

func replacePlaceholders(path string, placeholders [][2]string) bool {
	success := true
	for _, pair := range placeholders {
		if err := netboot.ReplaceInFile(path, pair[0], pair[1]); err != nil {
			success = false
		}
	}
	return success
}

// writePXEFile writes the per-MAC boot loader configuration. On-device
// images boot locally; netboot images chain the image's PXE kernel with the
// placeholders substituted.
func (d *Deployer) writePXEFile(cfg *image.Configuration, node *testbed.Node) error {
	pxeDir := filepath.Join(d.Paths.TFTPRoot, "pxelinux.cfg")
	if err := os.MkdirAll(pxeDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(pxeDir, node.PXEFileName())
	if cfg.OnDevice {
		return os.WriteFile(path, []byte("DEFAULT local\nlabel local\nLOCALBOOT 0"), 0o644)
	}
	content := fmt.Sprintf("DEFAULT %s/%s %s", d.Paths.NodeTFTPDir(node.TFTPPrefix), cfg.PXEKernel, cfg.PXEOptions)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	placeholders, err := d.placeholders(node)
	if err != nil {
		return err
	}
	if !replacePlaceholders(path, placeholders) {
		return fmt.Errorf("substituting placeholders in %s", path)
	}
	return nil
}

func (d *Deployer) moveResultToNFS(ctx context.Context, sandbox, prefix string) bool {
	source := filepath.Join(d.Paths.SandboxDir(sandbox), "result") + "/"
	return d.Run.Run(ctx, "rsync", "--delete-before", "--remove-source-files", "-a",
		source, d.Paths.NodeNFSDir(prefix)) == nil
}

// mountBootInTFTP bind-mounts the assembled boot partition into the node's
// TFTP directory so the boot loader can fetch kernels from it.
func (d *Deployer) mountBootInTFTP(ctx context.Context, cfg *image.Configuration, prefix string) bool {
	bootPath := cfg.BootPartitionPath()
	source := strings.ReplaceAll(d.Paths.NodeNFSDir(prefix)+ensureSlash(bootPath), "//", "/")
	return d.Run.Run(ctx, "mount", "-o", "bind", source, d.Paths.NodeTFTPDir(prefix)) == nil
}
