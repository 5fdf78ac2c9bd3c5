package main

import (
	"fmt"

	"github.com/banksean/testbed"
)

type DeployCmd struct {
	Image string `short:"i" help:"image to deploy on a single idle node"`
	Node  string `short:"n" help:"id of the node the image should land on"`
	File  string `short:"f" type:"existingfile" help:"deployment file describing several services at once"`
}

func (c *DeployCmd) Run(cctx *Context) error {
	if c.Image == "" && c.File == "" {
		return fmt.Errorf("provide --image or --file")
	}
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	if c.Image != "" {
		var node *testbed.Node
		if c.Node != "" {
			node, err = engine.Cfg.Node(c.Node)
			if err != nil {
				return err
			}
			if node == nil {
				return fmt.Errorf("no such node %s", c.Node)
			}
		}
		return engine.Deployer.DeploySingleImage(background(), c.Image, node)
	}
	return engine.Deployer.DeployFile(background(), c.File)
}
