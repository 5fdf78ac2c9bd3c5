package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/deploy"
	"github.com/banksean/testbed/ledger"
	"github.com/banksean/testbed/logs"
	"github.com/banksean/testbed/netboot"
	"github.com/banksean/testbed/sshconf"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context is handed to every subcommand Run.
type Context struct {
	CLI   *CLI
	Paths testbed.Paths
}

// Engine bundles the wired collaborators a command needs, plus the ledger
// handle to close when done.
type Engine struct {
	Cfg      *testbed.Config
	Ledger   *ledger.Store
	Net      *netboot.Registry
	Logs     *logs.Manager
	Deployer *deploy.Deployer
	Status   *testbed.Status
}

// Close releases the ledger.
func (e *Engine) Close() error { return e.Ledger.Close() }

// engine wires the full stack for one command invocation.
func (c *Context) engine() (*Engine, error) {
	status := testbed.NewStatus(os.Stdout)
	run := testbed.ExecRunner{}
	cfg := testbed.OpenConfig(c.Paths.ConfigFile())
	store, err := ledger.Open(c.Paths.LedgerFile())
	if err != nil {
		return nil, err
	}
	if _, err := sshconf.EnsureDeployerKey(c.Paths.DeployerKey()); err != nil {
		store.Close()
		return nil, err
	}
	registry := netboot.NewRegistry(c.Paths, run, status)
	logManager := logs.NewManager(cfg, c.Paths, run, status)
	sshRunner := &deploy.NodeSSH{KeyPath: c.Paths.DeployerKey()}
	deployer := deploy.New(cfg, store, registry, logManager, c.Paths, run, sshRunner, status)
	return &Engine{
		Cfg:      cfg,
		Ledger:   store,
		Net:      registry,
		Logs:     logManager,
		Deployer: deployer,
		Status:   status,
	}, nil
}

// refreshSSHConfig regenerates the cluster ssh_config after node changes.
func (e *Engine) refreshSSHConfig(paths testbed.Paths) {
	nodes, err := e.Cfg.Nodes()
	if err != nil {
		return
	}
	path := paths.Base + "/ssh_config"
	if err := sshconf.WriteClusterConfig(path, nodes, paths.DeployerKey()); err != nil {
		e.Status.Step("write cluster ssh config", false)
	}
}

func logWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 3,
	}
}

// table renders rows with aligned columns.
func table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "—"
	}
	return formatTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func background() context.Context { return context.Background() }
