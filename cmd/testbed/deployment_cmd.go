package main

import "strconv"

type DeploymentCmd struct {
	Ls   DeploymentLsCmd   `cmd:"" help:"list deployments in the cluster"`
	Stop DeploymentStopCmd `cmd:"" help:"stop the deployment with the given id"`
}

type DeploymentLsCmd struct {
	All bool `short:"a" help:"show all deployments, stopped included"`
}

func (c *DeploymentLsCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	rows, err := engine.Deployer.DeploymentRows(background(), c.All)
	if err != nil {
		return err
	}
	var rendered [][]string
	for _, row := range rows {
		rendered = append(rendered, []string{
			strconv.FormatInt(row.ID, 10), row.Name,
			formatTime(row.Start), formatTimePtr(row.End),
			row.Owner, strconv.Itoa(row.Services),
		})
	}
	table([]string{"id", "name", "start", "end", "owner", "#services"}, rendered)
	return nil
}

type DeploymentStopCmd struct {
	ID    int64 `required:"" help:"id of the deployment to stop"`
	Prune bool  `help:"wipe the nodes' local storage"`
}

func (c *DeploymentStopCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	return engine.Deployer.StopDeployment(background(), c.ID, c.Prune)
}
