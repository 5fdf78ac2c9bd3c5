package testbed

import (
	"context"
	"fmt"
	"strings"
)

// SourceKind distinguishes the two ways node output reaches the control host.
type SourceKind string

const (
	// SourceHost is a structured JSON log file written by the log shipper
	// on behalf of the node (fields "@timestamp" and "message").
	SourceHost SourceKind = "HOST"
	// SourceSerial is a raw text stream captured from a serial device.
	SourceSerial SourceKind = "SERIAL"
)

// LogSource names one log input of a node: either a shipper path (HOST) or a
// serial device name (SERIAL).
type LogSource struct {
	Path string     `json:"path"`
	Kind SourceKind `json:"source"`
}

// HostSource returns a HOST log source for path.
func HostSource(path string) LogSource { return LogSource{Path: path, Kind: SourceHost} }

// SerialSource returns a SERIAL log source for a tty device name.
func SerialSource(path string) LogSource { return LogSource{Path: path, Kind: SourceSerial} }

// Node is a physical machine in the cluster, as described by the cluster
// configuration file. Nodes are read-only views of that configuration; the
// ledger never stores them.
type Node struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	TFTPPrefix    string       `json:"tftp_prefix"`
	MACAddress    string       `json:"mac_address"`
	SerialNumber  string       `json:"serial_number"`
	IPv4Address   string       `json:"ipv4_address"`
	LogInputs     []LogSource  `json:"log_inputs"`
	Architecture  Architecture `json:"architecture"`
	PXE           bool         `json:"pxe"`
	DefaultOS     string       `json:"default_os,omitempty"`
	DefaultUser   string       `json:"default_user,omitempty"`
	StorageDevice string       `json:"storage_device,omitempty"`
	Power         PowerActions `json:"-"`
}

// SerialSources returns the node's SERIAL log inputs in configuration order.
func (n *Node) SerialSources() []LogSource {
	var out []LogSource
	for _, src := range n.LogInputs {
		if src.Kind == SourceSerial {
			out = append(out, src)
		}
	}
	return out
}

// HostSources returns the node's HOST log inputs in configuration order.
func (n *Node) HostSources() []LogSource {
	var out []LogSource
	for _, src := range n.LogInputs {
		if src.Kind == SourceHost {
			out = append(out, src)
		}
	}
	return out
}

// PXEFileName is the per-MAC boot loader configuration filename served from
// the TFTP root, e.g. "01-b8-27-eb-01-02-03".
func (n *Node) PXEFileName() string {
	return "01-" + strings.ReplaceAll(n.MACAddress, ":", "-")
}

// PowerActionType selects one of a node's configured power commands.
type PowerActionType string

const (
	PowerOn     PowerActionType = "on"
	PowerOff    PowerActionType = "off"
	PowerReboot PowerActionType = "reboot"
)

// PowerAction is one parsed power command line for a node.
type PowerAction struct {
	Action  PowerActionType
	Command string
	Args    []string
}

// ParsePowerAction splits a configured command line into command and
// arguments.
func ParsePowerAction(action PowerActionType, line string) (PowerAction, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return PowerAction{}, fmt.Errorf("empty %s power command", action)
	}
	return PowerAction{Action: action, Command: fields[0], Args: fields[1:]}, nil
}

// Execute runs the power command through r.
func (p PowerAction) Execute(ctx context.Context, r Runner) error {
	return r.Run(ctx, p.Command, p.Args...)
}

// PowerActions holds a node's optional on/off/reboot commands. A missing or
// unparsable entry is represented by its error so callers can report why the
// action is unavailable.
type PowerActions struct {
	actions map[PowerActionType]PowerAction
	errs    map[PowerActionType]error
}

// NewPowerActions parses the configured command lines. Absent keys become
// explanatory errors.
func NewPowerActions(lines map[PowerActionType]string) PowerActions {
	set := PowerActions{
		actions: map[PowerActionType]PowerAction{},
		errs:    map[PowerActionType]error{},
	}
	for _, action := range []PowerActionType{PowerOn, PowerOff, PowerReboot} {
		line, ok := lines[action]
		if !ok {
			set.errs[action] = fmt.Errorf("no %s command configured", action)
			continue
		}
		parsed, err := ParsePowerAction(action, line)
		if err != nil {
			set.errs[action] = err
			continue
		}
		set.actions[action] = parsed
	}
	return set
}

// Get returns the parsed action or the reason it is unavailable.
func (s PowerActions) Get(action PowerActionType) (PowerAction, error) {
	if err, ok := s.errs[action]; ok {
		return PowerAction{}, err
	}
	return s.actions[action], nil
}
