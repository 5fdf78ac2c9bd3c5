package deploy

import (
	"context"

	"github.com/banksean/testbed"
)

func (d *Deployer) executePowerAction(ctx context.Context, node *testbed.Node, action testbed.PowerActionType) error {
	parsed, err := node.Power.Get(action)
	if err != nil {
		return err
	}
	return parsed.Execute(ctx, d.Run)
}

// Reboot power-cycles a node through its configured reboot command.
func (d *Deployer) Reboot(ctx context.Context, node *testbed.Node) error {
	return d.executePowerAction(ctx, node, testbed.PowerReboot)
}

// PowerOn turns a node on through its configured command.
func (d *Deployer) PowerOn(ctx context.Context, node *testbed.Node) error {
	return d.executePowerAction(ctx, node, testbed.PowerOn)
}

// PowerOff turns a node off through its configured command.
func (d *Deployer) PowerOff(ctx context.Context, node *testbed.Node) error {
	return d.executePowerAction(ctx, node, testbed.PowerOff)
}
