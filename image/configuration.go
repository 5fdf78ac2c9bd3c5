// Package image models the packaged OS artifact: its configuration manifest
// (partitions, mount order, boot configs, PXE fields) and the zip container
// the orchestrator serves and the builder produces.
package image

import (
	"sort"
	"strconv"
	"strings"

	"github.com/banksean/testbed"
)

// Partition describes one partition of the disk image. Sizes and sectors
// stay strings: they pass through from the recipe to the builder input
// unchanged.
type Partition struct {
	Filesystem  string `json:"filesystem"`
	Mountpoint  string `json:"mountpoint"`
	Name        string `json:"name"`
	Size        string `json:"size"`
	StartSector string `json:"start_sector"`
	Type        string `json:"type"`
}

// Start parses the start sector for ordering. Unparsable sectors sort first.
func (p Partition) Start() int64 {
	n, _ := strconv.ParseInt(p.StartSector, 10, 64)
	return n
}

// Mountpoint is one entry of an image's mount order: mount the given
// partition number at the given path, in mount-position order. The order is
// total and compatible with path containment, so the root mounts before its
// subdirectories.
type Mountpoint struct {
	MountPosition   int    `json:"mount_position"`
	PartitionNumber int    `json:"partition_number"`
	Path            string `json:"path"`
}

// CleanPath normalizes the mount path: empty means the root, and a missing
// leading slash is added.
func (m Mountpoint) CleanPath() string {
	if m.Path == "" {
		return "/"
	}
	if !strings.HasPrefix(m.Path, "/") {
		return "/" + m.Path
	}
	return m.Path
}

// SortMountpoints orders mountpoints by mount position, in place.
func SortMountpoints(order []Mountpoint) {
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].MountPosition < order[j].MountPosition
	})
}

// BootConfig lists boot configuration template files inside the image,
// relative to the assembled result tree.
type BootConfig struct {
	Files []string `json:"files"`
}

// GroupBootConfigs flattens boot configs into a single deduplicated one.
// Grouping is idempotent and keeps first-seen order.
func GroupBootConfigs(configs []BootConfig) BootConfig {
	seen := map[string]bool{}
	var files []string
	for _, cfg := range configs {
		for _, file := range cfg.Files {
			if seen[file] {
				continue
			}
			seen[file] = true
			files = append(files, file)
		}
	}
	return BootConfig{Files: files}
}

// Configuration is the machine-readable manifest packaged next to the disk
// image, configuration.json inside the artifact.
type Configuration struct {
	Name         string               `json:"name"`
	Architecture testbed.Architecture `json:"architecture"`
	BootConfigs  []BootConfig         `json:"bootconfigs"`
	Partitions   []Partition          `json:"partitions"`
	MountOrder   []Mountpoint         `json:"mountorder"`
	OnDevice     bool                 `json:"on_device"`
	Prebuilt     bool                 `json:"prebuilt"`
	PXE          bool                 `json:"pxe"`
	PXEKernel    string               `json:"pxe_kernel"`
	PXEOptions   string               `json:"pxe_options"`
}

// SortPartitions orders the partition table by start sector, in place.
func (c *Configuration) SortPartitions() {
	sort.SliceStable(c.Partitions, func(i, j int) bool {
		return c.Partitions[i].Start() < c.Partitions[j].Start()
	})
}

// FallbackMountOrder fills an empty mount order with one mountpoint per
// partition, in partition order.
func (c *Configuration) FallbackMountOrder() {
	if len(c.MountOrder) > 0 {
		return
	}
	for i, partition := range c.Partitions {
		c.MountOrder = append(c.MountOrder, Mountpoint{
			MountPosition:   i + 1,
			PartitionNumber: i + 1,
			Path:            partition.Mountpoint,
		})
	}
}

// RootMountpoint returns the mount order entry for "/", if any.
func (c *Configuration) RootMountpoint() (Mountpoint, bool) {
	for _, m := range c.MountOrder {
		if m.CleanPath() == "/" {
			return m, true
		}
	}
	return Mountpoint{}, false
}

// BootPartitionPath returns the mountpoint of the partition named "boot",
// falling back to /boot when the image has none. The boot loader is served
// from there via a bind mount into the TFTP root.
func (c *Configuration) BootPartitionPath() string {
	for _, p := range c.Partitions {
		if p.Name == "boot" {
			return p.Mountpoint
		}
	}
	return "/boot"
}

// Merge folds a base image's manifest into c: boot configs append, partitions
// and mountpoints union by identity, the base's on-device and pxe flags win,
// and pxe kernel/options fill in only where c left them empty.
func (c *Configuration) Merge(base Configuration) {
	c.BootConfigs = append(c.BootConfigs, base.BootConfigs...)
	for _, partition := range base.Partitions {
		exists := false
		for _, have := range c.Partitions {
			if have.StartSector == partition.StartSector {
				exists = true
				break
			}
		}
		if !exists {
			c.Partitions = append(c.Partitions, partition)
		}
	}
	for _, mountpoint := range base.MountOrder {
		exists := false
		for _, have := range c.MountOrder {
			if have == mountpoint {
				exists = true
				break
			}
		}
		if !exists {
			c.MountOrder = append(c.MountOrder, mountpoint)
		}
	}
	c.OnDevice = base.OnDevice
	c.PXE = base.PXE
	if c.PXE {
		if c.PXEKernel == "" {
			c.PXEKernel = base.PXEKernel
		}
		if c.PXEOptions == "" {
			c.PXEOptions = base.PXEOptions
		}
	}
}

// ParseMountOrder extracts (mount position, partition number, path) tuples
// from builder output lines of the form
//
//	mounting /dev/loop0p2 to /tmp/123456/boot
//
// The first two components of the reported path are the builder's scratch
// prefix and are stripped; the remainder is the mount path inside the image.
func ParseMountOrder(output string) []Mountpoint {
	var order []Mountpoint
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "mounting") || !strings.Contains(line, " to ") {
			continue
		}
		var fields []string
		for _, field := range strings.Fields(stripColors(line)) {
			if strings.Contains(field, "/") {
				fields = append(fields, field)
			}
		}
		if len(fields) != 2 {
			continue
		}
		device, reported := fields[0], fields[1]
		idx := strings.LastIndex(device, "p")
		if idx < 0 {
			continue
		}
		number, err := strconv.Atoi(device[idx+1:])
		if err != nil {
			continue
		}
		components := strings.Split(reported, "/")
		if len(components) < 3 {
			continue
		}
		components = append(components[:1], components[3:]...)
		path := strings.Join(components, "/")
		if path == "" {
			path = "/"
		}
		order = append(order, Mountpoint{
			MountPosition:   len(components),
			PartitionNumber: number,
			Path:            path,
		})
	}
	SortMountpoints(order)
	return order
}

func stripColors(line string) string {
	for _, code := range []string{"\x1b[0m", "\x1b[0;32m", "\x1b[1;32m"} {
		line = strings.ReplaceAll(line, code, "")
	}
	return line
}
