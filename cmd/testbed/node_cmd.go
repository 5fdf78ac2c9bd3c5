package main

import (
	"fmt"
	"strconv"
)

type NodeCmd struct {
	Ls   NodeLsCmd   `cmd:"" help:"list all configured nodes"`
	Add  NodeAddCmd  `cmd:"" help:"add a configured node to the cluster"`
	Del  NodeDelCmd  `cmd:"" help:"remove a node from the cluster"`
	Stop NodeStopCmd `cmd:"" help:"stop a node"`
}

type NodeLsCmd struct {
	All bool `short:"a" help:"show all nodes, not only those running a reachable service"`
}

func (c *NodeLsCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	rows, err := engine.Deployer.NodeRows(background(), c.All)
	if err != nil {
		return err
	}
	nodes, err := engine.Cfg.Nodes()
	if err != nil {
		return err
	}
	up := 0
	var rendered [][]string
	for _, row := range rows {
		status := "—"
		if row.Up != nil {
			status = strconv.FormatBool(*row.Up)
			if *row.Up {
				up++
			}
		}
		rendered = append(rendered, []string{
			row.ID, row.Name, row.MACAddress, row.TFTPPrefix, row.SerialNumber,
			status, orDash(row.Hostname), orDash(row.IPv4Address), strconv.FormatBool(row.Usable),
		})
	}
	fmt.Printf("The cluster consists of %d nodes, %d are up.\n", len(nodes), up)
	table([]string{"id", "name", "MAC-Address", "TFTP-Prefix", "serial-number", "status", "hostname", "IPv4-address", "usable"}, rendered)
	return nil
}

type NodeAddCmd struct {
	ID string `required:"" help:"configured identifier in config.yml"`
}

func (c *NodeAddCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	node, err := engine.Cfg.Node(c.ID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("add node %s to the configuration first", c.ID)
	}
	if err := engine.Net.AddNode(background(), node); err != nil {
		return err
	}
	engine.refreshSSHConfig(cctx.Paths)
	return nil
}

type NodeDelCmd struct {
	ID string `required:"" help:"configured identifier in config.yml"`
}

func (c *NodeDelCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	node, err := engine.Cfg.Node(c.ID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("no such node %s", c.ID)
	}
	engine.Deployer.StopNode(background(), node, false, true)
	if err := engine.Net.RemoveNode(background(), node); err != nil {
		return err
	}
	engine.Status.Info("this node can now safely be removed from the configuration")
	engine.refreshSSHConfig(cctx.Paths)
	return nil
}

type NodeStopCmd struct {
	ID    string `required:"" help:"configured identifier in config.yml"`
	Prune bool   `help:"wipe the node's local storage"`
}

func (c *NodeStopCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	node, err := engine.Cfg.Node(c.ID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("no such node %s", c.ID)
	}
	engine.Deployer.StopNode(background(), node, c.Prune, false)
	return nil
}
