package main

import "strconv"

type ServiceCmd struct {
	Ls   ServiceLsCmd   `cmd:"" help:"list services in the cluster"`
	Stop ServiceStopCmd `cmd:"" help:"stop the service with the given id"`
}

type ServiceLsCmd struct {
	All   bool `short:"a" help:"show all services, stopped included"`
	Group bool `short:"g" help:"group replicas by image and deployment"`
}

func (c *ServiceLsCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	rows, err := engine.Deployer.ServiceRows(background(), c.All, c.Group)
	if err != nil {
		return err
	}
	var rendered [][]string
	for _, row := range rows {
		rendered = append(rendered, []string{
			strconv.FormatInt(row.ID, 10), row.Name, row.Image, row.Node,
			row.Deployment, row.Hostname, orDash(row.IPv4Address),
			formatTime(row.Started), formatTimePtr(row.Ended),
			strconv.FormatInt(row.Replicas, 10),
		})
	}
	table([]string{"id", "name", "image", "node", "deployment", "hostname", "IPv4-Address", "started", "ended", "replicas"}, rendered)
	return nil
}

type ServiceStopCmd struct {
	ID    int64 `required:"" help:"id of the service to stop"`
	Prune bool  `help:"wipe the node's local storage"`
}

func (c *ServiceStopCmd) Run(cctx *Context) error {
	engine, err := cctx.engine()
	if err != nil {
		return err
	}
	defer engine.Close()
	return engine.Deployer.StopService(background(), c.ID, c.Prune)
}
