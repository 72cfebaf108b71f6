package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/model"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
	"github.com/MrSnakeDoc/hstroute/internal/sources/hstconf"
	"github.com/MrSnakeDoc/hstroute/internal/utils"
	"github.com/MrSnakeDoc/hstroute/internal/version"
)

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "hstctl",
		Usage:   "inspect hstroute configuration files",
		Version: version.String(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log the import and build steps",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "lint",
				Usage:     "import and build a configuration, report its warnings",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withForest(ctx, cmd, func(f *hst.VirtualHosts) error {
						for _, w := range f.Warnings() {
							fmt.Fprintf(out, "warning: %s\n", w)
						}
						fmt.Fprintf(out, "ok: %d hosts, %d mounts, %d warnings\n",
							f.HostCount(), f.MountCount(), len(f.Warnings()))
						if cmd.Bool("strict") && len(f.Warnings()) > 0 {
							return errors.New("warnings reported in strict mode")
						}
						return nil
					})
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "strict", Usage: "fail when the build reports warnings"},
				},
			},
			{
				Name:      "match",
				Usage:     "resolve a host and path against a configuration",
				ArgsUsage: "<file> <host> [path]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "context-path", Usage: "context path used to render the base URL"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					host, path := cmd.Args().Get(1), cmd.Args().Get(2)
					if host == "" {
						return errors.New("missing host argument")
					}
					if path == "" {
						path = "/"
					}
					return withForest(ctx, cmd, func(f *hst.VirtualHosts) error {
						r, err := f.Match(host, path)
						if errors.Is(err, hst.ErrExcluded) {
							return writeJSON(out, map[string]any{"excluded": true, "path": path})
						}
						if err != nil {
							return err
						}
						return writeJSON(out, r.Decision(cmd.String("context-path")))
					})
				},
			},
			{
				Name:      "dump",
				Usage:     "print the virtual hosts built from a configuration",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withForest(ctx, cmd, func(f *hst.VirtualHosts) error {
						return writeJSON(out, f.Dump())
					})
				},
			},
		},
	}
}

// withForest imports the file argument (.yaml, .yml or .toml) into a throwaway repository
// and builds it.
func withForest(ctx context.Context, cmd *cli.Command, fn func(*hst.VirtualHosts) error) error {
	file := cmd.Args().First()
	if file == "" {
		return errors.New("missing configuration file argument")
	}

	log := logger.Nop()
	if cmd.Bool("verbose") {
		log = logger.New("debug", true)
	}

	repo := repository.NewMemory()
	defer utils.Close(repo)

	res, err := hstconf.NewImporter(repo, log).ImportFile(ctx, file)
	if err != nil {
		return fmt.Errorf("import %s: %w", file, err)
	}

	m, err := model.New(ctx, "hstctl", repo, model.Options{Root: res.Root, Logger: log})
	if err != nil {
		return err
	}
	defer m.Close()

	f, err := m.GetVirtualHosts(ctx)
	if err != nil {
		return fmt.Errorf("build %s: %w", file, err)
	}
	return fn(f)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
