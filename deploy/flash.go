package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
	"github.com/cenkalti/backoff/v5"
	probing "github.com/prometheus-community/pro-bing"
)

// nodeWaitCeiling bounds how long the engine waits for a node to come back
// after a power cycle before giving up.
const nodeWaitCeiling = 20 * time.Minute

// deployImageOnLocalStorage flashes the target image onto the node's local
// storage. The host cannot write that storage directly, so the node is first
// netbooted into its default OS, the image and the deployer key are staged
// into its NFS root, and dd runs over SSH once the node is reachable.
func (d *Deployer) deployImageOnLocalStorage(ctx context.Context, deployment *testbed.Deployment, svc *testbed.Service, sandbox string, node *testbed.Node) bool {
	d.Status.Step("deploying image to be written on local storage", true)
	if node.DefaultOS == "" {
		d.Status.Step(fmt.Sprintf("node %s has no default-os", node.ID), false)
		return false
	}
	if !d.deployImage(ctx, deployment, svc, node.DefaultOS, node) {
		return false
	}
	d.Status.Step("rebooting node", d.Reboot(ctx, node) == nil)
	d.Status.Step("copying image to node", d.stageImageInNodeHome(sandbox, node))
	d.Status.Step("allow ssh key to connect to node", d.allowSSHAccess(node))
	if err := d.waitForRebootedNode(ctx, node); err != nil {
		d.Status.Step("wait for rebooted node", false)
		return false
	}
	device := "/dev/" + node.StorageDevice
	d.Status.Step("flashing image to node", d.flashImage(ctx, node, device))
	// The connection drops when the node goes down, so the command reports
	// failure on success.
	err := d.SSH.Run(ctx, node, "reboot")
	d.Status.Step("reboot via ssh", err != nil)
	d.Status.Step("unmount tftpboot directory", d.Net.UnmountTFTP(ctx, node.TFTPPrefix) == nil)
	d.Status.StepErr("remove filesystem", d.Net.RemoveNFSRoot(node.TFTPPrefix, false))
	return true
}

// stageImageInNodeHome copies the largest file of the unpacked artifact (the
// disk image) into the node's NFS-rooted /root/generated.img.
func (d *Deployer) stageImageInNodeHome(sandbox string, node *testbed.Node) bool {
	build := d.sandboxBuildDir(sandbox)
	entries, err := os.ReadDir(build)
	if err != nil {
		return false
	}
	var biggest string
	var size int64 = -1
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > size {
			size = info.Size()
			biggest = entry.Name()
		}
	}
	if biggest == "" {
		return false
	}
	target := filepath.Join(d.Paths.NodeNFSDir(node.TFTPPrefix), "root", generatedImage)
	return copyFile(filepath.Join(build, biggest), target) == nil
}

// allowSSHAccess installs the deployer public key as the netbooted root's
// authorized_keys.
func (d *Deployer) allowSSHAccess(node *testbed.Node) bool {
	keyPath := d.Paths.DeployerKey() + ".pub"
	target := filepath.Join(d.Paths.NodeNFSDir(node.TFTPPrefix), "root", ".ssh", "authorized_keys")
	return copyFile(keyPath, target) == nil
}

func copyFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (d *Deployer) flashImage(ctx context.Context, node *testbed.Node, device string) bool {
	command := fmt.Sprintf("dd if=/root/%s of=%s bs=20M status=progress", generatedImage, device)
	return d.SSH.Run(ctx, node, command) == nil
}

// IsUp probes one address, through Probe when set, with a single ICMP echo
// otherwise.
func (d *Deployer) IsUp(ctx context.Context, address string) bool {
	if d.Probe != nil {
		return d.Probe(ctx, address)
	}
	return pingOnce(ctx, address)
}

func pingOnce(ctx context.Context, address string) bool {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 3 * time.Second
	pinger.SetPrivileged(true)
	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// waitForRebootedNode waits until the node answers ping, then until an SSH
// probe succeeds. Both probes retry with exponential backoff under a hard
// ceiling instead of spinning forever.
func (d *Deployer) waitForRebootedNode(ctx context.Context, node *testbed.Node) error {
	d.Status.Info("waiting for node to reboot")
	started := time.Now()
	time.Sleep(time.Second)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if d.IsUp(ctx, node.IPv4Address) {
			return struct{}{}, nil
		}
		return struct{}{}, errors.New("node not answering ping")
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(nodeWaitCeiling))
	if err != nil {
		return fmt.Errorf("node %s never answered ping: %w", node.ID, err)
	}
	d.Status.Infof("rebooting took %s", time.Since(started).Round(time.Second))
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.SSH.Run(ctx, node, "echo 'waiting'")
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(nodeWaitCeiling))
	if err != nil {
		return fmt.Errorf("node %s never accepted ssh: %w", node.ID, err)
	}
	return nil
}

// RetrieveLocalLogs re-provisions an on-device node with its default OS,
// mounts the previous root partition over SSH and moves /local/results into
// /results so the log gatherer can pick it up.
func (d *Deployer) RetrieveLocalLogs(ctx context.Context, deployment *testbed.Deployment, svc *testbed.Service, node *testbed.Node, mountpoint image.Mountpoint) bool {
	d.Status.Step("deploying image to be written on local storage", true)
	if node.DefaultOS == "" {
		d.Status.Step(fmt.Sprintf("node %s has no default-os", node.ID), false)
		return false
	}
	if !d.deployImage(ctx, deployment, svc, node.DefaultOS, node) {
		return false
	}
	d.Status.Step("rebooting node", d.Reboot(ctx, node) == nil)
	d.Status.Step("allow ssh key to connect to node", d.allowSSHAccess(node))
	if err := d.waitForRebootedNode(ctx, node); err != nil {
		d.Status.Step("wait for rebooted node", false)
		return false
	}
	d.Status.Step("create mountdirectory on device",
		d.SSH.Run(ctx, node, "mkdir /local") == nil)
	mountCmd := fmt.Sprintf("mount /dev/%sp%d /local", node.StorageDevice, mountpoint.PartitionNumber)
	d.Status.Step("mount rootsystem of device", d.SSH.Run(ctx, node, mountCmd) == nil)
	d.Status.Step("move /local/results to /results via ssh",
		d.SSH.Run(ctx, node, "mv /local/results /results") == nil)
	if err := d.Logs.GatherLogs(ctx, node); err != nil {
		d.Status.Step("gather logs", false)
	}
	err := d.SSH.Run(ctx, node, "reboot")
	d.Status.Step("reboot via ssh", err != nil)
	d.Status.Step("unmount tftpboot directory", d.Net.UnmountTFTP(ctx, node.TFTPPrefix) == nil)
	d.Status.StepErr("remove filesystem", d.Net.RemoveNFSRoot(node.TFTPPrefix, false))
	return true
}

// CleanNode netboots the node's default OS and overwrites its local storage
// with random data.
func (d *Deployer) CleanNode(ctx context.Context, node *testbed.Node) bool {
	d.Status.Step("deploying default os in order to wipe local storage", true)
	deployment := testbed.NewDeployment("cleaning", d.Cfg.Owner())
	svc := testbed.NewService("cleaning", node.DefaultOS, "cleaning")
	if !d.deployImage(ctx, &deployment, &svc, node.DefaultOS, node) {
		return false
	}
	d.Status.Step("rebooting node", d.Reboot(ctx, node) == nil)
	d.Status.Step("allow ssh key to connect to node", d.allowSSHAccess(node))
	if err := d.waitForRebootedNode(ctx, node); err != nil {
		d.Status.Step("wait for rebooted node", false)
		return false
	}
	wipe := fmt.Sprintf("dd if=/dev/urandom of=/dev/%s bs=20M status=progress", node.StorageDevice)
	d.Status.Step("prune local storage", d.SSH.Run(ctx, node, wipe) == nil)
	err := d.SSH.Run(ctx, node, "reboot")
	d.Status.Step("reboot via ssh", err != nil)
	d.Status.Step("unmount tftpboot directory", d.Net.UnmountTFTP(ctx, node.TFTPPrefix) == nil)
	return true
}
