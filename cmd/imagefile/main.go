// Command imagefile compiles an image recipe into a packaged,
// architecture-tagged OS artifact, optionally pushing it to the image
// server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/banksean/testbed"
	"github.com/banksean/testbed/imagefile"
)

type CLI struct {
	Input  string `short:"i" required:"" type:"existingfile" help:"the recipe file to compile"`
	Output string `short:"o" default:"image.pkr.hcl" help:"name of the generated builder input file"`
	Build  bool   `help:"build the image"`
	Tag    string `help:"tag for the built image (random when unset)"`
	Push   bool   `help:"push the built image to the image server"`
}

func main() {
	var cli CLI
	cctx := kong.Parse(&cli,
		kong.Name("imagefile"),
		kong.Description("Compile an image recipe into a packer build plan and a packaged artifact."))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	cctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	ctx := context.Background()
	status := testbed.NewStatus(os.Stdout)
	file, err := imagefile.Parse(cli.Input)
	if !status.Step("parsing input file", err == nil) {
		return err
	}
	if !cli.Build {
		return os.WriteFile(cli.Output, []byte(file.PkrHCL()), 0o644)
	}
	tag := cli.Tag
	if tag == "" {
		tag = testbed.RandomName()
	}
	client := imagefile.NewClient()
	builder := imagefile.NewBuilder(testbed.ExecRunner{}, status, client)
	if err := builder.Build(ctx, file, cli.Output, tag); err != nil {
		return err
	}
	if cli.Push {
		err := client.PushImage(ctx, tag, fmt.Sprintf("%s.zip", tag))
		status.Step("push image to server", err == nil)
		return err
	}
	return nil
}
