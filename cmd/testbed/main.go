package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/banksean/testbed"
	kongcompletion "github.com/jotaen/kong-completion"
)

type CLI struct {
	LogFile  string `default:"/var/log/testbed/testbed.log" placeholder:"<log-file-path>" help:"location of the structured log file"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`
	BaseDir  string `placeholder:"<dir>" help:"relocate all testbed state under one directory (development setups)"`

	Check      CheckCmd      `cmd:"" help:"check packages and services required by the testbed"`
	Install    InstallCmd    `cmd:"" help:"create the required directories and seed the dnsmasq configuration"`
	Node       NodeCmd       `cmd:"" help:"manage cluster nodes"`
	Deploy     DeployCmd     `cmd:"" help:"deploy images on the cluster"`
	Service    ServiceCmd    `cmd:"" help:"manage running services"`
	Deployment DeploymentCmd `cmd:"" help:"manage deployments"`
	Image      ImageCmd      `cmd:"" help:"manage the operating system images"`
	Watch      WatchCmd      `cmd:"" help:"watch logs of a node or a service"`
	Server     ServerCmd     `cmd:"" help:"start the server for remote management"`
	Version    VersionCmd    `cmd:"" help:"print version information"`
}

func (c *CLI) paths() testbed.Paths {
	if c.BaseDir != "" {
		return testbed.TestPaths(c.BaseDir)
	}
	return testbed.DefaultPaths()
}

const description = `Manage a heterogeneous bare-metal testbed: netboot or flash OS images
onto idle nodes, follow their logs, and tear deployments down again.`

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("testbed"),
		kong.Description(description),
		kong.Configuration(kongyaml.Loader, ".testbed.yaml", "~/.testbed.yaml"))
	kongcompletion.Register(parser)
	cctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	initSlog(&cli)
	err = cctx.Run(&Context{
		CLI:   &cli,
		Paths: cli.paths(),
	})
	cctx.FatalIfErrorf(err)
}

func initSlog(cli *CLI) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(logWriter(cli.LogFile), &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Info("slog initialized")
}
