package imagefile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
)

const (
	buildDirectory     = image.BuildDirectory
	baseImageDirectory = "base"
	builderContainer   = "mkaczanowski/packer-builder-arm"
)

// Builder turns a parsed Imagefile into a packaged artifact. The build
// happens in ./os-build under the current directory; ARM builds run the
// builder in a privileged container with /dev bind-mounted, x86 builds run
// it natively.
type Builder struct {
	Run    testbed.Runner
	Status *testbed.Status
	Client *Client
}

// NewBuilder wires a Builder.
func NewBuilder(run testbed.Runner, status *testbed.Status, client *Client) *Builder {
	return &Builder{Run: run, Status: status, Client: client}
}

// Build compiles the recipe into <tag>.zip in the current directory.
func (b *Builder) Build(ctx context.Context, file *Imagefile, outputName, tag string) error {
	b.Status.StepErr("clean and create build environment", b.createBuildDirectory())
	file.Configuration.Name = tag
	if file.Configuration.Prebuilt {
		b.Status.Step("move prebuilt image to sandbox", b.stagePrebuiltImage(file))
		return b.completeBuild(file, tag)
	}
	baseMounts, err := b.resolveBaseImage(ctx, file)
	if err != nil {
		return err
	}
	b.stageFileSources(file)
	if err := b.writeBuilderInput(file, outputName); err != nil {
		return err
	}
	b.Status.Step("move preseed file if required", b.stagePreseedFile(file))
	output, err := b.executeBuilder(ctx, file, outputName)
	b.Status.Step("creating image with packer", err == nil)
	if err != nil {
		return err
	}
	for _, mountpoint := range image.ParseMountOrder(output) {
		baseMounts[mountpoint.Path] = mountpoint
	}
	if len(baseMounts) == 0 {
		b.Status.Step("no mountpoints detected, check and rerun the build", false)
	}
	file.Configuration.MountOrder = file.Configuration.MountOrder[:0]
	for _, mountpoint := range baseMounts {
		file.Configuration.MountOrder = append(file.Configuration.MountOrder, mountpoint)
	}
	image.SortMountpoints(file.Configuration.MountOrder)
	return b.completeBuild(file, tag)
}

func (b *Builder) createBuildDirectory() error {
	if err := os.RemoveAll(buildDirectory); err != nil {
		return err
	}
	return os.Mkdir(buildDirectory, 0o755)
}

func (b *Builder) stagePrebuiltImage(file *Imagefile) bool {
	source := file.Preamble.Filename()
	return copyFile(source, filepath.Join(buildDirectory, "generated.img")) == nil
}

// completeBuild writes the manifest, prunes build leftovers, compresses the
// artifact and removes the build directory.
func (b *Builder) completeBuild(file *Imagefile, tag string) error {
	b.Status.Step("writing configuration", b.writeConfiguration(file) == nil)
	b.cleanup()
	err := image.CompressDir(tag+".zip", buildDirectory)
	b.Status.Step("compress image", err == nil)
	if err != nil {
		return err
	}
	return os.RemoveAll(buildDirectory)
}

func (b *Builder) writeConfiguration(file *Imagefile) error {
	file.Configuration.Architecture = file.Architecture
	grouped := image.GroupBootConfigs(file.Configuration.BootConfigs)
	file.Configuration.BootConfigs = []image.BootConfig{grouped}
	data, err := json.Marshal(&file.Configuration)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(buildDirectory, image.ManifestName), data, 0o644)
}

func (b *Builder) cleanup() {
	for _, leftover := range []string{baseImageDirectory, "packer_cache"} {
		path := filepath.Join(buildDirectory, leftover)
		if _, err := os.Stat(path); err == nil {
			b.Status.StepErr("remove "+leftover, os.RemoveAll(path))
		}
	}
}

// resolveBaseImage prepares the FROM location: a local file is copied into
// the sandbox, a URL is left for the builder to fetch, anything else is
// pulled from the image server and its manifest merged in. Returns the base
// image's mount order keyed by path.
func (b *Builder) resolveBaseImage(ctx context.Context, file *Imagefile) (map[string]image.Mountpoint, error) {
	location := file.Preamble.Filename()
	if err := os.Mkdir(filepath.Join(buildDirectory, baseImageDirectory), 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(location); err == nil {
		return map[string]image.Mountpoint{}, b.stageLocalBaseImage(file, location)
	}
	if parsed, err := url.Parse(location); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		// Remote base image: the builder downloads and verifies it itself.
		return map[string]image.Mountpoint{}, nil
	}
	return b.pullRegistryBaseImage(ctx, file, location)
}

func (b *Builder) stageLocalBaseImage(file *Imagefile, location string) error {
	name := filepath.Base(location)
	target := filepath.Join(buildDirectory, baseImageDirectory, name)
	if err := copyFile(location, target); err != nil {
		return fmt.Errorf("staging base image: %w", err)
	}
	sidecar := location + "." + file.Preamble.ChecksumType()
	if _, err := os.Stat(sidecar); err == nil {
		if err := copyFile(sidecar, target+"."+file.Preamble.ChecksumType()); err != nil {
			return fmt.Errorf("staging base image checksum: %w", err)
		}
	}
	// The builder input resolves paths relative to the build directory.
	file.Preamble.SetFilepath("./" + filepath.Join(baseImageDirectory, name))
	return nil
}

// pullRegistryBaseImage downloads a named base image from the image server,
// unpacks it into a nested sandbox, merges its manifest into the current
// configuration and points the preamble at the unpacked disk image.
func (b *Builder) pullRegistryBaseImage(ctx context.Context, file *Imagefile, name string) (map[string]image.Mountpoint, error) {
	archive := filepath.Join(buildDirectory, baseImageDirectory, name+".zip")
	err := b.Client.PullImage(ctx, name, archive)
	b.Status.Step("pulling image from server", err == nil)
	if err != nil {
		return nil, fmt.Errorf("pulling base image %s: %w", name, err)
	}
	sandbox := testbed.RandomName()
	sandboxDir := filepath.Join(buildDirectory, baseImageDirectory, sandbox)
	b.Status.StepErr("create base image sandbox", os.Mkdir(sandboxDir, 0o755))
	b.Status.StepErr("unpack base image in sandbox", image.Unpack(archive, sandboxDir))
	manifest := filepath.Join(sandboxDir, buildDirectory, image.ManifestName)
	data, err := os.ReadFile(manifest)
	if !b.Status.Step("read configuration", err == nil) {
		return nil, fmt.Errorf("base image %s: %w", name, err)
	}
	var base image.Configuration
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("base image %s manifest: %w", name, err)
	}
	file.Configuration.Merge(base)
	if len(file.Configuration.MountOrder) == 0 {
		return nil, fmt.Errorf("base image %s has no mount order", name)
	}
	disk := filepath.Join(sandboxDir, buildDirectory, "generated.img")
	b.Status.Step("generate sha256", b.ensureSHA256Sidecar(disk))
	file.Preamble.SetFilepath("./" + filepath.Join(baseImageDirectory, sandbox, buildDirectory, "generated.img"))
	mounts := map[string]image.Mountpoint{}
	for _, mountpoint := range file.Configuration.MountOrder {
		mounts[mountpoint.Path] = mountpoint
	}
	return mounts, nil
}

// ensureSHA256Sidecar writes <file>.sha256 next to the disk image when the
// base artifact shipped without one.
func (b *Builder) ensureSHA256Sidecar(path string) bool {
	sidecar := path + ".sha256"
	if _, err := os.Stat(sidecar); err == nil {
		return true
	}
	sum, err := SHA256Of(path)
	if err != nil {
		return false
	}
	return os.WriteFile(sidecar, []byte(sum+" generated.img\n"), 0o644) == nil
}

// SHA256Of streams a file through sha256 and returns the hex digest.
func SHA256Of(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stageFileSources copies every FILE provisioner source into the sandbox at
// its source-relative path, where the builder input expects it.
func (b *Builder) stageFileSources(file *Imagefile) {
	for _, provisioner := range file.Provisioners {
		if provisioner.Type != FileProvisioner {
			continue
		}
		source := provisioner.Command[0]
		target := filepath.Join(buildDirectory, source)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			b.Status.Step(fmt.Sprintf("moving %s to %s", source, target), false)
			continue
		}
		err := copyFile(source, target)
		b.Status.Step(fmt.Sprintf("moving %s to %s", source, target), err == nil)
	}
}

func (b *Builder) writeBuilderInput(file *Imagefile, outputName string) error {
	return os.WriteFile(filepath.Join(buildDirectory, outputName), []byte(file.PkrHCL()), 0o644)
}

// stagePreseedFile copies the preseed file into the http/ directory the x86
// builder serves during the install.
func (b *Builder) stagePreseedFile(file *Imagefile) bool {
	source := file.Preamble.PreseedFile()
	if source == "" {
		return true
	}
	target := filepath.Join(buildDirectory, "http", filepath.Base(source))
	if err := os.MkdirAll(filepath.Join(buildDirectory, "http"), 0o755); err != nil {
		return false
	}
	return copyFile(source, target) == nil
}

// executeBuilder runs packer and returns its streamed stdout for mount-order
// parsing.
func (b *Builder) executeBuilder(ctx context.Context, file *Imagefile, outputName string) (string, error) {
	if file.Architecture.ARM() {
		workdir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return b.Run.Tee(ctx, "", "docker", "run", "--rm",
			"--name", testbed.RandomName(),
			"--privileged",
			"-v", "/dev:/dev",
			"-v", filepath.Join(workdir, buildDirectory)+":/build",
			builderContainer, "build", outputName)
	}
	return b.Run.Tee(ctx, buildDirectory, "packer", "build", outputName)
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
