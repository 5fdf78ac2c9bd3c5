package main

import (
	"fmt"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/logs"
)

type WatchCmd struct {
	Node    WatchNodeCmd    `cmd:"" help:"watch the logs of the given node"`
	Service WatchServiceCmd `cmd:"" help:"watch the logs of the given service"`
}

type WatchNodeCmd struct {
	ID string `arg:"" help:"id of the node to watch"`
}

func (c *WatchNodeCmd) Run(cctx *Context) error {
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
	return followLogs(engine, node)
}

type WatchServiceCmd struct {
	ID int64 `arg:"" help:"id of the service to watch"`
}

func (c *WatchServiceCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	svc, err := engine.Ledger.ServiceByID(background(), c.ID, true)
	if err != nil {
		return err
	}
	node, err := engine.Cfg.Node(svc.Node)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("service %d runs on unknown node %s", c.ID, svc.Node)
	}
	return followLogs(engine, node)
}

// followLogs streams a node's host logs to stdout, printing a tail-style
// header whenever the source file changes.
func followLogs(engine *Engine, node *testbed.Node) error {
	ch := make(chan logs.Line, 1)
	done := make(chan error, 1)
	go func() {
		done <- engine.Logs.Watch(background(), node, ch, true, true, true)
	}()
	lastFile := ""
	for {
		select {
		case line := <-ch:
			if line.File != lastFile {
				fmt.Printf("==> %s <==\n", line.File)
				lastFile = line.File
			}
			fmt.Println(line.Text)
		case err := <-done:
			return err
		}
	}
}
