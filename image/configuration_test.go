package image

import (
	"testing"

	"github.com/banksean/testbed"
	"github.com/google/go-cmp/cmp"
)

func TestParseMountOrder(t *testing.T) {
	output := `==> arm.imagefile: partitioning image
mounting /dev/loop0p2 to /tmp/123456
mounting /dev/loop0p1 to /tmp/123456/boot
unrelated line
`
	order := ParseMountOrder(output)
	want := []Mountpoint{
		{MountPosition: 1, PartitionNumber: 2, Path: "/"},
		{MountPosition: 2, PartitionNumber: 1, Path: "/boot"},
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("mount order mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMountOrderStripsColors(t *testing.T) {
	output := "\x1b[0;32mmounting /dev/loop1p1 to /tmp/abc/boot/firmware\x1b[0m\n"
	order := ParseMountOrder(output)
	if len(order) != 1 {
		t.Fatalf("entries: got %d, want 1", len(order))
	}
	if order[0].Path != "/boot/firmware" || order[0].MountPosition != 3 {
		t.Errorf("entry wrong: %+v", order[0])
	}
}

func TestGroupBootConfigsIdempotent(t *testing.T) {
	configs := []BootConfig{
		{Files: []string{"boot/cmdline.txt", "boot/config.txt"}},
		{Files: []string{"boot/cmdline.txt", "etc/fstab"}},
	}
	once := GroupBootConfigs(configs)
	want := []string{"boot/cmdline.txt", "boot/config.txt", "etc/fstab"}
	if diff := cmp.Diff(want, once.Files); diff != "" {
		t.Errorf("grouping mismatch (-want +got):\n%s", diff)
	}
	twice := GroupBootConfigs([]BootConfig{once})
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("grouping is not idempotent (-once +twice):\n%s", diff)
	}
}

func TestFallbackMountOrder(t *testing.T) {
	cfg := Configuration{
		Partitions: []Partition{
			{Name: "boot", Mountpoint: "/boot", StartSector: "8192"},
			{Name: "root", Mountpoint: "/", StartSector: "100000"},
		},
	}
	cfg.FallbackMountOrder()
	want := []Mountpoint{
		{MountPosition: 1, PartitionNumber: 1, Path: "/boot"},
		{MountPosition: 2, PartitionNumber: 2, Path: "/"},
	}
	if diff := cmp.Diff(want, cfg.MountOrder); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}
	// A present mount order is kept verbatim.
	cfg.MountOrder = []Mountpoint{{MountPosition: 1, PartitionNumber: 2, Path: "/"}}
	cfg.FallbackMountOrder()
	if len(cfg.MountOrder) != 1 {
		t.Error("existing mount order must not be extended")
	}
}

func TestSortPartitions(t *testing.T) {
	cfg := Configuration{
		Partitions: []Partition{
			{Name: "root", StartSector: "100000"},
			{Name: "boot", StartSector: "8192"},
		},
	}
	cfg.SortPartitions()
	if cfg.Partitions[0].Name != "boot" {
		t.Errorf("partitions not sorted by start sector: %+v", cfg.Partitions)
	}
}

func TestBootPartitionPath(t *testing.T) {
	cfg := Configuration{Partitions: []Partition{{Name: "boot", Mountpoint: "/boot/firmware"}}}
	if got := cfg.BootPartitionPath(); got != "/boot/firmware" {
		t.Errorf("boot partition path: got %s", got)
	}
	empty := Configuration{}
	if got := empty.BootPartitionPath(); got != "/boot" {
		t.Errorf("fallback boot path: got %s", got)
	}
}

func TestRootMountpoint(t *testing.T) {
	cfg := Configuration{MountOrder: []Mountpoint{
		{MountPosition: 1, PartitionNumber: 2, Path: ""},
		{MountPosition: 2, PartitionNumber: 1, Path: "/boot"},
	}}
	root, found := cfg.RootMountpoint()
	if !found || root.PartitionNumber != 2 {
		t.Errorf("root mountpoint: got %+v found=%v", root, found)
	}
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{"": "/", "boot": "/boot", "/boot": "/boot"}
	for input, want := range cases {
		if got := (Mountpoint{Path: input}).CleanPath(); got != want {
			t.Errorf("CleanPath(%q): got %q, want %q", input, got, want)
		}
	}
}

func TestMergeTakesBaseFlagsAndFillsPXE(t *testing.T) {
	cfg := Configuration{
		Architecture: testbed.ARM64,
		Partitions:   []Partition{{Name: "root", StartSector: "100000"}},
		PXEKernel:    "kernel.img",
		PXE:          true,
	}
	base := Configuration{
		Partitions: []Partition{
			{Name: "root", StartSector: "100000"},
			{Name: "boot", StartSector: "8192"},
		},
		MountOrder: []Mountpoint{{MountPosition: 1, PartitionNumber: 2, Path: "/"}},
		OnDevice:   true,
		PXE:        true,
		PXEKernel:  "base-kernel.img",
		PXEOptions: "console=ttyS0",
	}
	cfg.Merge(base)
	if len(cfg.Partitions) != 2 {
		t.Errorf("partition union: got %d, want 2", len(cfg.Partitions))
	}
	if !cfg.OnDevice {
		t.Error("base on-device flag should win")
	}
	if cfg.PXEKernel != "kernel.img" {
		t.Errorf("own pxe kernel must be kept, got %s", cfg.PXEKernel)
	}
	if cfg.PXEOptions != "console=ttyS0" {
		t.Errorf("empty pxe options should fill from base, got %s", cfg.PXEOptions)
	}
}
