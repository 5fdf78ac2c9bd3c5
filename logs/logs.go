// Package logs is the log pipeline: live tailing of per-host shipper files,
// serial capture sessions, and post-hoc collection and zipping of a
// deployment's results.
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
)

// Manager runs the log pipeline for one cluster.
type Manager struct {
	Cfg    *testbed.Config
	Paths  testbed.Paths
	Run    testbed.Runner
	Status *testbed.Status
}

// NewManager returns a Manager over the given cluster.
func NewManager(cfg *testbed.Config, paths testbed.Paths, run testbed.Runner, status *testbed.Status) *Manager {
	return &Manager{Cfg: cfg, Paths: paths, Run: run, Status: status}
}

// hostLogFile maps a HOST log source to the shipper's output file.
func (m *Manager) hostLogFile(source testbed.LogSource) (string, error) {
	base, err := m.Cfg.LogstashBase()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "logs", source.Path, "logs"), nil
}

// HostLogFiles returns the shipper files of all HOST sources of a node.
func (m *Manager) HostLogFiles(node *testbed.Node) ([]string, error) {
	var files []string
	for _, source := range node.HostSources() {
		file, err := m.hostLogFile(source)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

// CreateResultsDir resets the node's results directory, removing leftovers
// from a previous run.
func (m *Manager) CreateResultsDir(node *testbed.Node) error {
	dir := filepath.Join(m.Paths.NodeResultsDir(node.ID), "logs")
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return os.MkdirAll(dir, 0o755)
}

func screenSession(node *testbed.Node, index int) string {
	return fmt.Sprintf("%s-%d", node.ID, index)
}

// OpenSerialScreens starts one detached screen capture session per SERIAL
// source, logging to <results>/<node>/logs/serial<N>.log.
func (m *Manager) OpenSerialScreens(ctx context.Context, node *testbed.Node) {
	for index, source := range node.SerialSources() {
		name := screenSession(node, index)
		logfile := filepath.Join(m.Paths.NodeResultsDir(node.ID), "logs", fmt.Sprintf("serial%d.log", index))
		err := m.Run.Run(ctx, "screen",
			"-dmS", name,
			"-L", "-Logfile", logfile,
			"/dev/"+source.Path, "115200")
		m.Status.Step(fmt.Sprintf("starting screen %s", name), err == nil)
	}
}

// CloseSerialScreens stops the capture sessions started by OpenSerialScreens.
func (m *Manager) CloseSerialScreens(ctx context.Context, node *testbed.Node) {
	for index := range node.SerialSources() {
		name := screenSession(node, index)
		err := m.Run.Run(ctx, "screen", "-X", "-S", name, "quit")
		m.Status.Step(fmt.Sprintf("stopping screen %s", name), err == nil)
	}
}

// GatherLogs pulls a stopped node's output into the results area: the
// NFS-hosted /results tree is copied in, and the shipper's log tree for each
// HOST source is moved in.
func (m *Manager) GatherLogs(ctx context.Context, node *testbed.Node) error {
	target := filepath.Join(m.Paths.NodeResultsDir(node.ID), "logs")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	nfsResults := filepath.Join(m.Paths.NodeNFSDir(node.TFTPPrefix), "results") + "/"
	if _, err := os.Stat(nfsResults); err == nil {
		if err := m.Run.Run(ctx, "cp", "-a", nfsResults, filepath.Join(target, "results")); err != nil {
			m.Status.Step("copy node results", false)
		}
	}
	for _, source := range node.HostSources() {
		file, err := m.hostLogFile(source)
		if err != nil {
			return err
		}
		if err := m.Run.Run(ctx, "mv", file, filepath.Join(target, source.Path+".log")); err != nil {
			m.Status.Step(fmt.Sprintf("move %s logs", source.Path), false)
		}
	}
	return nil
}

// CollectDeploymentLogs moves every service node's results directory under a
// per-deployment directory and zips it to <results>/<id>.zip.
func (m *Manager) CollectDeploymentLogs(ctx context.Context, id int64, services []testbed.Service) error {
	deploymentDir := filepath.Join(m.Paths.Results, fmt.Sprintf("%d", id))
	if err := os.MkdirAll(deploymentDir, 0o755); err != nil {
		return err
	}
	for _, svc := range services {
		nodeDir := m.Paths.NodeResultsDir(svc.Node)
		if _, err := os.Stat(nodeDir); err != nil {
			continue
		}
		if err := m.Run.Run(ctx, "mv", nodeDir, deploymentDir+"/"); err != nil {
			m.Status.Step(fmt.Sprintf("move %s logs to deployment", svc.Node), false)
		}
	}
	zipPath := filepath.Join(m.Paths.Results, fmt.Sprintf("%d.zip", id))
	return image.CompressDir(zipPath, deploymentDir)
}

// Entry is one parsed HOST log line attributed to its node and file.
type Entry struct {
	Node      string
	File      string
	Timestamp string
	Message   string
}

func parseHostLine(line string) (timestamp, message string, err error) {
	var parsed struct {
		Timestamp string `json:"@timestamp"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return "", "", fmt.Errorf("parsing host log line: %w", err)
	}
	return parsed.Timestamp, parsed.Message, nil
}

func readHostFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSuffix(string(data), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

// DeploymentLogs reads the current HOST logs of every service node of a
// deployment. Lines that fail to parse are skipped.
func (m *Manager) DeploymentLogs(deployment *testbed.Deployment) ([]Entry, error) {
	var entries []Entry
	for _, svc := range deployment.Services {
		node, err := m.Cfg.Node(svc.Node)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		files, err := m.HostLogFiles(node)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			lines, err := readHostFile(file)
			if err != nil {
				continue
			}
			for _, line := range lines {
				timestamp, message, err := parseHostLine(line)
				if err != nil {
					continue
				}
				entries = append(entries, Entry{
					Node:      node.ID,
					File:      file,
					Timestamp: timestamp,
					Message:   message,
				})
			}
		}
	}
	return entries, nil
}
