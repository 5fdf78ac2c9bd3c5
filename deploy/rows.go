package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
	"golang.org/x/sync/errgroup"
)

// ServiceRow is one line of the service listing.
type ServiceRow struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Image       string     `json:"image"`
	Node        string     `json:"node"`
	Deployment  string     `json:"deployment"`
	Hostname    string     `json:"hostname"`
	IPv4Address string     `json:"ipv4_address,omitempty"`
	Started     time.Time  `json:"started"`
	Ended       *time.Time `json:"ended,omitempty"`
	Replicas    int64      `json:"replicas"`
}

// NodeRow is one line of the node listing.
type NodeRow struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MACAddress   string `json:"mac_address"`
	TFTPPrefix   string `json:"tftp_prefix"`
	SerialNumber string `json:"serial_number"`
	Up           *bool  `json:"up,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IPv4Address  string `json:"ipv4_address,omitempty"`
	Usable       bool   `json:"usable"`
}

// DeploymentRow is one line of the deployment listing.
type DeploymentRow struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Owner    string     `json:"owner"`
	Services int        `json:"services"`
}

// ImageRow is one line of the image listing.
type ImageRow struct {
	Name         string               `json:"name"`
	Architecture testbed.Architecture `json:"architecture"`
	OnDevice     bool                 `json:"on_device"`
}

type indexed[T any] struct {
	index int
	row   *T
}

// gatherRows funnels one background task per input through a channel and
// reassembles the surviving rows in fan-out order. Row tasks are independent
// and side-effect-free; a task returning nil drops its row.
func gatherRows[In any, Out any](ctx context.Context, inputs []In, build func(context.Context, In) *Out) []Out {
	ch := make(chan indexed[Out], len(inputs))
	group, ctx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		group.Go(func() error {
			ch <- indexed[Out]{index: i, row: build(ctx, input)}
			return nil
		})
	}
	group.Wait()
	close(ch)
	slots := make([]*Out, len(inputs))
	for entry := range ch {
		slots[entry.index] = entry.row
	}
	rows := make([]Out, 0, len(inputs))
	for _, slot := range slots {
		if slot != nil {
			rows = append(rows, *slot)
		}
	}
	return rows
}

// ServiceRows lists services, optionally including stopped ones and
// optionally grouped by (image, deployment).
func (d *Deployer) ServiceRows(ctx context.Context, all, group bool) ([]ServiceRow, error) {
	var services []testbed.Service
	var err error
	if all {
		services, err = d.Ledger.Services(ctx)
	} else {
		services, err = d.Ledger.RunningServices(ctx)
	}
	if err != nil {
		return nil, err
	}
	if group {
		services = testbed.GroupServices(services)
	}
	rows := gatherRows(ctx, services, func(ctx context.Context, svc testbed.Service) *ServiceRow {
		node, err := d.Cfg.Node(svc.Node)
		if err != nil || node == nil {
			return nil
		}
		deploymentName := ""
		if deployment, err := d.Ledger.DeploymentByID(ctx, svc.DeploymentID, false); err == nil {
			deploymentName = deployment.Name
		}
		return &ServiceRow{
			ID:          svc.ID,
			Name:        svc.Name,
			Image:       svc.Image,
			Node:        node.Name,
			Deployment:  deploymentName,
			Hostname:    svc.Hostname,
			IPv4Address: svc.IPv4Address,
			Started:     svc.Start,
			Ended:       svc.End,
			Replicas:    svc.Replicas,
		}
	})
	return rows, nil
}

// NodeRows lists nodes, enriched with the DHCP entry, a reachability probe
// for nodes hosting a running service, and the usability check. With all
// unset, only nodes with a live service remain.
func (d *Deployer) NodeRows(ctx context.Context, all bool) ([]NodeRow, error) {
	nodes, err := d.Cfg.Nodes()
	if err != nil {
		return nil, err
	}
	services, err := d.Ledger.RunningServices(ctx)
	if err != nil {
		services = nil
	}
	rows := gatherRows(ctx, nodes, func(ctx context.Context, node testbed.Node) *NodeRow {
		row := &NodeRow{
			ID:           node.ID,
			Name:         node.Name,
			MACAddress:   node.MACAddress,
			TFTPPrefix:   node.TFTPPrefix,
			SerialNumber: node.SerialNumber,
			Usable:       d.Net.Usable(&node),
		}
		if entry, ok := d.Net.Lookup(&node); ok {
			row.Hostname = entry.Hostname
			row.IPv4Address = entry.IPv4
		}
		for _, svc := range services {
			if svc.Node == node.ID && svc.IPv4Address != "" {
				up := d.IsUp(ctx, svc.IPv4Address)
				row.Up = &up
				break
			}
		}
		if !all && (row.Up == nil || !*row.Up) {
			return nil
		}
		return row
	})
	return rows, nil
}

// DeploymentRows lists deployments with their service counts.
func (d *Deployer) DeploymentRows(ctx context.Context, all bool) ([]DeploymentRow, error) {
	var deployments []testbed.Deployment
	var err error
	if all {
		deployments, err = d.Ledger.Deployments(ctx)
	} else {
		deployments, err = d.Ledger.RunningDeployments(ctx)
	}
	if err != nil {
		return nil, err
	}
	rows := gatherRows(ctx, deployments, func(ctx context.Context, deployment testbed.Deployment) *DeploymentRow {
		count := 0
		if services, err := d.Ledger.ServicesByDeployment(ctx, deployment.ID); err == nil {
			count = len(services)
		}
		return &DeploymentRow{
			ID:       deployment.ID,
			Name:     deployment.Name,
			Start:    deployment.Start,
			End:      deployment.End,
			Owner:    deployment.Owner,
			Services: count,
		}
	})
	return rows, nil
}

// ImageRows lists the packaged artifacts in the image store with the fields
// of their manifests the listing shows.
func (d *Deployer) ImageRows(ctx context.Context) ([]ImageRow, error) {
	entries, err := os.ReadDir(d.Paths.OSImages)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".zip"))
	}
	rows := gatherRows(ctx, names, func(ctx context.Context, name string) *ImageRow {
		row := &ImageRow{Name: name}
		if cfg, err := image.ExtractConfiguration(filepath.Join(d.Paths.OSImages, name+".zip")); err == nil {
			row.Architecture = cfg.Architecture
			row.OnDevice = cfg.OnDevice
		}
		return row
	})
	return rows, nil
}
