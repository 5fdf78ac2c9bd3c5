package main

import (
	"fmt"

	"github.com/banksean/testbed/version"
)

type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	fmt.Println(version.Get())
	return nil
}
