package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
)

// StopNode tears one node down: serial captures closed, logs gathered, TFTP
// unmounted, NFS root removed (or emptied unless hard), PXE file removed,
// daemons restarted. With prune set the node's local storage is wiped after
// the logs are gathered and before the TFTP directory is unmounted.
func (d *Deployer) StopNode(ctx context.Context, node *testbed.Node, prune, hard bool) bool {
	d.Status.Info("stopping logging from serial inputs")
	d.Logs.CloseSerialScreens(ctx, node)
	if err := d.Logs.GatherLogs(ctx, node); err != nil {
		d.Status.Step("gather logs", false)
	}
	if prune {
		d.Status.Step("clean node", d.CleanNode(ctx, node))
	}
	d.Status.Step("unmount tftpboot directory", d.Net.UnmountTFTP(ctx, node.TFTPPrefix) == nil)
	d.Status.StepErr("remove filesystem", d.Net.RemoveNFSRoot(node.TFTPPrefix, hard))
	pxeFile := filepath.Join(d.Paths.TFTPRoot, "pxelinux.cfg", node.PXEFileName())
	d.Status.StepErr("remove pxefile", os.Remove(pxeFile))
	d.Net.RestartServices(ctx)
	return true
}

// StopService stops one running service: its node is torn down and the
// service's end timestamp stamped.
func (d *Deployer) StopService(ctx context.Context, id int64, prune bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopService(ctx, id, prune)
}

func (d *Deployer) stopService(ctx context.Context, id int64, prune bool) error {
	svc, err := d.Ledger.ServiceByID(ctx, id, true)
	if err != nil {
		return fmt.Errorf("service %d: %w", id, err)
	}
	node, err := d.Cfg.Node(svc.Node)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("service %d runs on unknown node %s", id, svc.Node)
	}
	stopped := d.StopNode(ctx, node, prune, false)
	d.Status.Step("stop node", stopped)
	if !stopped {
		return fmt.Errorf("stopping node %s failed", node.ID)
	}
	err = d.Ledger.EndService(ctx, id)
	d.Status.Step("stop service", err == nil)
	return err
}

// StopDeployment stops a running deployment: per service, any GetResults
// task first retrieves the on-device results, then the service stops; the
// per-deployment logs are aggregated and zipped and the deployment's end
// timestamp stamped.
func (d *Deployer) StopDeployment(ctx context.Context, id int64, prune bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	deployment, err := d.Ledger.DeploymentByID(ctx, id, true)
	if err != nil {
		return fmt.Errorf("deployment %d: %w", id, err)
	}
	tasks, err := d.Ledger.TasksByDeployment(ctx, id)
	if err != nil {
		return err
	}
	services, err := d.Ledger.ServicesByDeployment(ctx, id)
	if err != nil {
		return err
	}
	for i := range services {
		svc := &services[i]
		for _, task := range tasks {
			if task.Kind != testbed.TaskGetResults || task.ServiceID != svc.ID {
				continue
			}
			var mountpoint image.Mountpoint
			if err := json.Unmarshal([]byte(task.Parameters), &mountpoint); err != nil {
				d.Status.Step(fmt.Sprintf("decode results task %d", task.ID), false)
				continue
			}
			node, err := d.Cfg.Node(svc.Node)
			if err != nil || node == nil {
				d.Status.Step(fmt.Sprintf("find node %s", svc.Node), false)
				continue
			}
			d.RetrieveLocalLogs(ctx, &deployment, svc, node, mountpoint)
			if err := d.Ledger.EndTask(ctx, task.ID); err != nil {
				d.Status.Step(fmt.Sprintf("finish task %d", task.ID), false)
			}
		}
		if err := d.stopService(ctx, svc.ID, prune); err != nil {
			d.Status.Step(fmt.Sprintf("stop service %d", svc.ID), false)
		}
	}
	if err := d.Logs.CollectDeploymentLogs(ctx, id, services); err != nil {
		d.Status.Step("collect deployment logs", false)
	}
	err = d.Ledger.EndDeployment(ctx, id)
	d.Status.Step("stop deployment", err == nil)
	return err
}
