package testbed

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config reads the cluster configuration file. The file is re-read on every
// lookup: operators edit it while the control plane runs, and stale answers
// about nodes are worse than the extra reads.
type Config struct {
	Path string
}

// OpenConfig points a Config at path without touching the file yet.
func OpenConfig(path string) *Config {
	return &Config{Path: path}
}

type nodeConfig struct {
	Name          string `yaml:"name"`
	TFTPPrefix    string `yaml:"tftp-prefix"`
	MACAddress    string `yaml:"mac-address"`
	IPv4Address   string `yaml:"ipv4-address"`
	SerialNumber  string `yaml:"serial-number"`
	Architecture  string `yaml:"architecture"`
	PXE           bool   `yaml:"pxe"`
	DefaultOS     string `yaml:"default-os"`
	DefaultUser   string `yaml:"default-user"`
	StorageDevice string `yaml:"storage-device"`
	LogInputs     struct {
		Hosts  []string `yaml:"hosts"`
		Serial []string `yaml:"serial"`
	} `yaml:"log-inputs"`
	Power map[string]string `yaml:"power"`
}

type configFile struct {
	Nodes        map[string]nodeConfig `yaml:"nodes"`
	ServerIP     string                `yaml:"server-ip"`
	LogServer    string                `yaml:"log-server"`
	LogstashBase string                `yaml:"logstash-base-directory"`
	Owner        string                `yaml:"owner"`
}

func (c *Config) read() (*configFile, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing cluster config: %w", err)
	}
	return &file, nil
}

func (n nodeConfig) node(id string) (Node, error) {
	arch, err := ParseArchitecture(n.Architecture)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", id, err)
	}
	var inputs []LogSource
	for _, path := range n.LogInputs.Hosts {
		inputs = append(inputs, HostSource(path))
	}
	for _, path := range n.LogInputs.Serial {
		inputs = append(inputs, SerialSource(path))
	}
	// Every node also ships host logs keyed by its IP address.
	inputs = append(inputs, HostSource(n.IPv4Address))
	power := map[PowerActionType]string{}
	for key, line := range n.Power {
		power[PowerActionType(key)] = line
	}
	return Node{
		ID:            id,
		Name:          n.Name,
		TFTPPrefix:    n.TFTPPrefix,
		MACAddress:    n.MACAddress,
		SerialNumber:  n.SerialNumber,
		IPv4Address:   n.IPv4Address,
		LogInputs:     inputs,
		Architecture:  arch,
		PXE:           n.PXE,
		DefaultOS:     n.DefaultOS,
		DefaultUser:   n.DefaultUser,
		StorageDevice: n.StorageDevice,
		Power:         NewPowerActions(power),
	}, nil
}

// Nodes returns every configured node, sorted by id for stable listings.
func (c *Config) Nodes() ([]Node, error) {
	file, err := c.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(file.Nodes))
	for id := range file.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		node, err := file.Nodes[id].node(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured in %s", c.Path)
	}
	return nodes, nil
}

// Node returns the configured node with the given id, or nil when the
// configuration does not know it.
func (c *Config) Node(id string) (*Node, error) {
	file, err := c.read()
	if err != nil {
		return nil, err
	}
	raw, ok := file.Nodes[id]
	if !ok {
		return nil, nil
	}
	node, err := raw.node(id)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ServerIP is the control host address substituted into boot configs.
func (c *Config) ServerIP() (string, error) {
	file, err := c.read()
	if err != nil {
		return "", err
	}
	return file.ServerIP, nil
}

// LogServer is the URL nodes POST lifecycle markers to.
func (c *Config) LogServer() (string, error) {
	file, err := c.read()
	if err != nil {
		return "", err
	}
	return file.LogServer, nil
}

// LogstashBase is the shipper output directory, with a trailing slash.
func (c *Config) LogstashBase() (string, error) {
	file, err := c.read()
	if err != nil {
		return "", err
	}
	dir := file.LogstashBase
	if dir != "" && dir[len(dir)-1] != '/' {
		dir += "/"
	}
	return dir, nil
}

// Owner names who deployments are recorded for. Falls back to $USER.
func (c *Config) Owner() string {
	if file, err := c.read(); err == nil && file.Owner != "" {
		return file.Owner
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}
