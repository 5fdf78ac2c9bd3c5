package main

import (
	"os"

	"github.com/banksean/testbed"
)

type InstallCmd struct{}

func (c *InstallCmd) Run(cctx *Context) error {
	status := testbed.NewStatus(os.Stdout)
	return testbed.Install(background(), cctx.Paths, testbed.ExecRunner{}, status)
}
