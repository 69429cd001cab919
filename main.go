package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/config"
	"github.com/chazu/brickforge/pkg/export"
	"github.com/chazu/brickforge/pkg/logging"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `brickforge generates parametric interlocking bricks.

Usage:
  brickforge serve  [flags]       run the HTTP service
  brickforge export [flags]       build one brick and write it to a file

Run "brickforge <command> --help" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "brickforge:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "export":
		return runExport(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return fmt.Errorf("unknown command %q", args[0])
}

// setup loads configuration and the logger shared by every command.
func setup(fs *pflag.FlagSet) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.ConfigFile != "" {
		log.Info("loaded config", zap.String("file", cfg.ConfigFile))
	}
	if cfg.EnvFile != "" {
		log.Info("loaded env file", zap.String("file", cfg.EnvFile))
	}
	return cfg, log, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := setup(fs)
	if err != nil {
		return err
	}
	defer log.Sync()

	app, err := NewApp(cfg, log)
	if err != nil {
		return err
	}
	return app.Serve(ctx)
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	out := fs.StringP("out", "o", "", "output file or directory (default: export.directory)")
	scriptPath := fs.StringP("script", "s", "", "preset script to evaluate")
	registerParamFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := setup(fs)
	if err != nil {
		return err
	}
	defer log.Sync()

	app, err := NewApp(cfg, log)
	if err != nil {
		return err
	}

	p := cfg.Defaults
	if *scriptPath != "" {
		src, err := os.ReadFile(*scriptPath)
		if err != nil {
			return err
		}
		sp, evalErrs, err := app.engine.Evaluate(string(src))
		if err != nil {
			return err
		}
		if len(evalErrs) > 0 {
			for _, e := range evalErrs {
				fmt.Fprintf(stderr, "%s: %v\n", *scriptPath, e)
			}
			return fmt.Errorf("%s: %d script error(s)", *scriptPath, len(evalErrs))
		}
		p = sp
	}
	if err := applyParamFlags(fs, &p); err != nil {
		return err
	}

	format, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		return err
	}
	compression, err := export.ParseCompression(cfg.Export.Compression)
	if err != nil {
		return err
	}

	res, err := app.Export(ctx, p, *out, export.Options{Format: format, Compression: compression})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s  %s  %d triangles  volume %.1f mm3\n",
		res.Path, res.Snapshot.Params, res.Stats.Triangles, res.Stats.Volume)
	return nil
}

func registerParamFlags(fs *pflag.FlagSet) {
	fs.Int("length", 0, "brick length in studs")
	fs.Int("width", 0, "brick width in studs")
	fs.Int("height", 0, "brick height in plates")
	fs.Float64("tolerance", 0, "fit tolerance in mm; positive loosens")
	fs.Bool("smooth", false, "omit the studs")
}

// applyParamFlags overrides p with the parameter flags set on the
// command line.
func applyParamFlags(fs *pflag.FlagSet, p *brick.Parameters) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "length":
			p.Length, err = fs.GetInt("length")
		case "width":
			p.Width, err = fs.GetInt("width")
		case "height":
			p.Height, err = fs.GetInt("height")
		case "tolerance":
			p.Tolerance, err = fs.GetFloat64("tolerance")
		case "smooth":
			var smooth bool
			smooth, err = fs.GetBool("smooth")
			p.WithStuds = !smooth
		}
	})
	return err
}
