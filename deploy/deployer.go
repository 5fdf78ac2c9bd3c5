// Package deploy is the provisioning engine: admission of deployments onto
// idle nodes, the per-service image deployment state machine (netboot or
// on-device flashing), and teardown.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
	"github.com/banksean/testbed/ledger"
	"github.com/banksean/testbed/logs"
	"github.com/banksean/testbed/netboot"
)

// Deployer drives deployments end to end. All mutating entry points share
// one mutex: provisioning rewrites global files (DHCP entries, exports, the
// TFTP tree) that must never see two writers.
type Deployer struct {
	Cfg    *testbed.Config
	Ledger *ledger.Store
	Net    *netboot.Registry
	Logs   *logs.Manager
	Paths  testbed.Paths
	Run    testbed.Runner
	SSH    SSHRunner
	Status *testbed.Status

	// Probe overrides the ICMP reachability check; tests substitute it.
	Probe func(ctx context.Context, address string) bool

	mu sync.Mutex
}

// New wires a Deployer over the given collaborators.
func New(cfg *testbed.Config, store *ledger.Store, net *netboot.Registry, logManager *logs.Manager,
	paths testbed.Paths, run testbed.Runner, sshRunner SSHRunner, status *testbed.Status) *Deployer {
	return &Deployer{
		Cfg:    cfg,
		Ledger: store,
		Net:    net,
		Logs:   logManager,
		Paths:  paths,
		Run:    run,
		SSH:    sshRunner,
		Status: status,
	}
}

// DeployFile parses a deployment file and deploys it.
func (d *Deployer) DeployFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading deployment file: %w", err)
	}
	deployment, err := testbed.ParseDeployment(path, d.Cfg.Owner(), data)
	if err != nil {
		return err
	}
	return d.Deploy(ctx, &deployment)
}

// DeploySingleImage wraps one image into an ad-hoc single-service deployment
// with generated names, optionally pinned to a node.
func (d *Deployer) DeploySingleImage(ctx context.Context, imageName string, node *testbed.Node) error {
	deployment := testbed.NewDeployment(testbed.RandomName(), d.Cfg.Owner())
	svc := testbed.NewService(testbed.RandomName(), imageName, testbed.RandomName())
	if node != nil {
		svc.PreferredNode = node.ID
	}
	deployment.Services = append(deployment.Services, svc)
	return d.Deploy(ctx, &deployment)
}

// Deploy admits, persists and provisions a deployment. On admission failure
// nothing is written. Services are provisioned strictly in declaration
// order; the serving daemons restart once and every node reboots exactly
// once at the end.
func (d *Deployer) Deploy(ctx context.Context, deployment *testbed.Deployment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.associateArchitectures(deployment); !d.Status.StepErr("check image architectures", err) {
		return err
	}
	idle, err := d.idleNodes(ctx)
	if err != nil {
		return err
	}
	bindings, err := CheckAvailability(deployment.Services, idle)
	if err != nil {
		return fmt.Errorf("can not deploy %s because not enough nodes are available: %w", deployment.Name, err)
	}
	id, err := d.Ledger.InsertDeployment(ctx, deployment)
	if err != nil {
		return err
	}
	deployment.ID = id
	d.Status.Step("add deployment to database", true)
	var nodes []testbed.Node
	for i := range bindings {
		bindings[i].Service.DeploymentID = id
		d.deployService(ctx, deployment, &bindings[i].Service, &bindings[i].Node)
		nodes = append(nodes, bindings[i].Node)
	}
	d.Net.RestartServices(ctx)
	for i := range nodes {
		err := d.Reboot(ctx, &nodes[i])
		d.Status.Step(fmt.Sprintf("rebooting node %s", nodes[i].ID), err == nil)
	}
	return nil
}

// idleNodes returns the shuffled set of usable nodes without a running
// service.
func (d *Deployer) idleNodes(ctx context.Context) ([]testbed.Node, error) {
	nodes, err := d.Cfg.Nodes()
	if err != nil {
		return nil, err
	}
	return d.Ledger.IdleNodes(ctx, d.Net.UsableNodes(nodes))
}

// associateArchitectures fills every service's architecture from its image
// manifest where the deployment file left it unset.
func (d *Deployer) associateArchitectures(deployment *testbed.Deployment) error {
	for i := range deployment.Services {
		svc := &deployment.Services[i]
		if svc.Architecture != "" {
			continue
		}
		cfg, err := image.ExtractConfiguration(d.Paths.ImageFile(svc.Image))
		if err != nil {
			return fmt.Errorf("image %s: %w", svc.Image, err)
		}
		svc.Architecture = cfg.Architecture
	}
	return nil
}

// deployService provisions one admitted binding and records it in the
// ledger. A failed provisioning leaves the service unpersisted.
func (d *Deployer) deployService(ctx context.Context, deployment *testbed.Deployment, svc *testbed.Service, node *testbed.Node) bool {
	ok := d.deployImage(ctx, deployment, svc, svc.Image, node)
	d.Status.Step(fmt.Sprintf("deploying service %s on %s", svc.Name, node.ID), ok)
	if !ok {
		return false
	}
	if err := d.Net.ChangeHostname(node, svc.Hostname); err != nil {
		d.Status.Step("rewrite node hostname", false)
	}
	if svc.IPv4Address != "" {
		if err := d.Net.ChangeIPv4(node, svc.IPv4Address); err != nil {
			d.Status.Step("set node ipv4 address", false)
		}
	} else if ipv4, found := d.Net.IPv4Address(node); found {
		svc.IPv4Address = ipv4
	}
	d.Status.StepErr("create results directory", d.Logs.CreateResultsDir(node))
	d.Status.Info("starting logging from serial inputs")
	d.Logs.OpenSerialScreens(ctx, node)
	serviceID, err := d.Ledger.InsertService(ctx, svc)
	d.Status.Step("add service in database", err == nil)
	if err != nil {
		return false
	}
	svc.ID = serviceID
	cfg, err := image.ExtractConfiguration(d.Paths.ImageFile(svc.Image))
	if err == nil && cfg.OnDevice {
		if root, found := cfg.RootMountpoint(); found {
			raw, _ := json.Marshal(root)
			task := testbed.Task{
				DeploymentID: deployment.ID,
				ServiceID:    svc.ID,
				Kind:         testbed.TaskGetResults,
				Parameters:   string(raw),
			}
			if taskID, err := d.Ledger.InsertTask(ctx, &task, deployment.ID); err == nil {
				task.ID = taskID
				deployment.Tasks = append(deployment.Tasks, task)
			}
		}
	}
	return true
}
