package main

import (
	"os"

	"github.com/banksean/testbed"
)

type CheckCmd struct{}

func (c *CheckCmd) Run(cctx *Context) error {
	status := testbed.NewStatus(os.Stdout)
	testbed.Check(background(), testbed.ExecRunner{}, status)
	return nil
}
