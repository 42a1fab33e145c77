// Package main is the CLI entry point for csp-billing-adapter-local. It runs
// the plugin hooks once per invocation so operators can inspect and patch the
// persisted documents and probe the usage API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/adapter"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/config"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/hooks"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/store"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "csp-billing-adapter-local",
		Usage:   "Local storage and usage plugin for the CSP billing adapter",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the adapter YAML configuration file",
				Value:   config.DefaultConfigPath,
				Sources: cli.EnvVars("CSP_LOCAL_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error, fatal, panic)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
			&cli.StringFlag{
				Name:  "base-dir",
				Usage: "Directory holding the persisted documents",
			},
			&cli.StringFlag{
				Name:    "metrics-textfile",
				Usage:   "Write plugin metrics to this file in the Prometheus text format",
				Sources: cli.EnvVars("CSP_LOCAL_METRICS_TEXTFILE"),
			},
		},
		Commands: []*cli.Command{
			documentCommand("cache", "Inspect or modify the adapter cache", cacheDocument),
			documentCommand("csp-config", "Inspect or modify the CSP configuration snapshot", cspConfigDocument),
			usageCommand(),
			configCommand(),
			versionCommand(),
		},
	}
}

// runtime is what every hook-backed command needs.
type runtime struct {
	cfg      *config.Config
	log      *logrus.Entry
	hooks    *hooks.Registry
	gatherer *prometheus.Registry
}

// setup loads the configuration, configures logging and registers the plugin.
func setup(cmd *cli.Command) (*runtime, error) {
	root := cmd.Root()

	configPath := root.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// --- CLI overrides ---
	if v := root.String("log-level"); v != "" {
		cfg.Local.Log.Level = v
	}
	if v := root.String("log-format"); v != "" {
		cfg.Local.Log.Format = v
	}
	if v := root.String("base-dir"); v != "" {
		cfg.Local.Storage.BaseDir = v
	}

	log := newLogger(cfg.Local.Log, errWriter(cmd))

	promReg := prometheus.NewRegistry()
	plugin, err := adapter.New(cfg, log, promReg)
	if err != nil {
		return nil, fmt.Errorf("initializing plugin: %w", err)
	}

	reg := hooks.NewRegistry(log)
	if err := plugin.Register(reg); err != nil {
		return nil, fmt.Errorf("registering plugin: %w", err)
	}

	return &runtime{cfg: cfg, log: log, hooks: reg, gatherer: promReg}, nil
}

// withRuntime wraps an action with setup and, when requested, dumps the
// metrics afterwards.
func withRuntime(fn func(ctx context.Context, cmd *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}

		runErr := fn(ctx, cmd, rt)

		if path := cmd.Root().String("metrics-textfile"); path != "" {
			if err := prometheus.WriteToTextfile(path, rt.gatherer); err != nil {
				rt.log.WithError(err).WithField("path", path).Error("writing metrics textfile")
				if runErr == nil {
					runErr = fmt.Errorf("writing metrics textfile: %w", err)
				}
			}
		}
		return runErr
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(w)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger.WithField("app", "csp-billing-adapter-local")
}

// documentHooks binds the three operations of one document to a registry.
type documentHooks struct {
	get    func(ctx context.Context, rt *runtime) (store.Document, error)
	update func(ctx context.Context, rt *runtime, doc store.Document, replace bool) error
	save   func(ctx context.Context, rt *runtime, doc store.Document) error
}

var cacheDocument = documentHooks{
	get: func(ctx context.Context, rt *runtime) (store.Document, error) {
		h, err := rt.hooks.Cache()
		if err != nil {
			return nil, err
		}
		return h.GetCache(ctx, rt.cfg)
	},
	update: func(ctx context.Context, rt *runtime, doc store.Document, replace bool) error {
		h, err := rt.hooks.Cache()
		if err != nil {
			return err
		}
		return h.UpdateCache(ctx, rt.cfg, doc, replace)
	},
	save: func(ctx context.Context, rt *runtime, doc store.Document) error {
		h, err := rt.hooks.Cache()
		if err != nil {
			return err
		}
		return h.SaveCache(ctx, rt.cfg, doc)
	},
}

var cspConfigDocument = documentHooks{
	get: func(ctx context.Context, rt *runtime) (store.Document, error) {
		h, err := rt.hooks.CSPConfig()
		if err != nil {
			return nil, err
		}
		return h.GetCSPConfig(ctx, rt.cfg)
	},
	update: func(ctx context.Context, rt *runtime, doc store.Document, replace bool) error {
		h, err := rt.hooks.CSPConfig()
		if err != nil {
			return err
		}
		return h.UpdateCSPConfig(ctx, rt.cfg, doc, replace)
	},
	save: func(ctx context.Context, rt *runtime, doc store.Document) error {
		h, err := rt.hooks.CSPConfig()
		if err != nil {
			return err
		}
		return h.SaveCSPConfig(ctx, rt.cfg, doc)
	},
}

func documentCommand(name, usage string, dh documentHooks) *cli.Command {
	dataFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "data",
			Usage: "JSON object to write; read from stdin when omitted",
		}
	}

	return &cli.Command{
		Name:  name,
		Usage: usage,
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Print the persisted document",
				Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					doc, err := dh.get(ctx, rt)
					if err != nil {
						return err
					}
					return printJSON(cmd, doc)
				}),
			},
			{
				Name:  "update",
				Usage: "Merge a JSON object into the document",
				Flags: []cli.Flag{
					dataFlag(),
					&cli.BoolFlag{
						Name:  "replace",
						Usage: "Replace the document instead of merging",
					},
				},
				Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					doc, err := readDocument(cmd)
					if err != nil {
						return err
					}
					return dh.update(ctx, rt, doc, cmd.Bool("replace"))
				}),
			},
			{
				Name:  "save",
				Usage: "Replace the document with a JSON object",
				Flags: []cli.Flag{dataFlag()},
				Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					doc, err := readDocument(cmd)
					if err != nil {
						return err
					}
					return dh.save(ctx, rt, doc)
				}),
			},
		},
	}
}

func usageCommand() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Fetch the current usage from the application API",
		Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			h, err := rt.hooks.Usage()
			if err != nil {
				return err
			}
			snap, err := h.GetUsageData(ctx, rt.cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		}),
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration with credentials masked",
		Action: func(_ context.Context, cmd *cli.Command) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			data, err := rt.cfg.RedactedJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(outWriter(cmd), string(data))
			return err
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(outWriter(cmd), "csp-billing-adapter-local %s (commit: %s)\n", version, commit)
			return err
		},
	}
}

// readDocument parses the --data flag, or stdin, as a JSON object.
func readDocument(cmd *cli.Command) (store.Document, error) {
	var data []byte
	if v := cmd.String("data"); v != "" {
		data = []byte(v)
	} else {
		in := cmd.Root().Reader
		if in == nil {
			in = os.Stdin
		}
		b, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("reading document from stdin: %w", err)
		}
		data = b
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("no document given")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc store.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("document must be a single JSON object")
	}
	return doc, nil
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(outWriter(cmd))
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
