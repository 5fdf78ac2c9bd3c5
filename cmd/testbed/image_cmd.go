package main

import "strconv"

type ImageCmd struct {
	Ls ImageLsCmd `cmd:"" help:"list the available images"`
}

type ImageLsCmd struct{}

func (c *ImageLsCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	rows, err := engine.Deployer.ImageRows(background())
	if err != nil {
		return err
	}
	var rendered [][]string
	for _, row := range rows {
		rendered = append(rendered, []string{
			row.Name, string(row.Architecture), strconv.FormatBool(row.OnDevice),
		})
	}
	table([]string{"name", "architecture", "on-device"}, rendered)
	return nil
}
