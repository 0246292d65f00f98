// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Command cband serves files with a governed bandwidth and manages the usage
// records of the virtual hosts and users it is configured with.
package main

import (
	"context"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sqreen/go-cband/internal"
	"github.com/sqreen/go-cband/internal/config"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

type cli struct {
	Globals globals `embed:""`

	Serve    serveCommand    `cmd:"" help:"Serve the files of a directory with governed bandwidth."`
	Classify classifyCommand `cmd:"" help:"Print the destination class of addresses."`
	Inspect  inspectCommand  `cmd:"" help:"Print the usage records and speeds of the virtual hosts and users as JSON."`
	Reset    resetCommand    `cmd:"" help:"Reset the usage records of a virtual host or a user, or all of them."`
}

// globals are the flags common to every command. They override the
// configuration file settings.
type globals struct {
	Config      string `help:"Configuration file." type:"path" env:"CBAND_CONFIG_FILE"`
	Definitions string `help:"Definitions file of the classes, users and virtual hosts." type:"path"`
	LogLevel    string `help:"Log level (disabled, error, info or debug)."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("cband"),
		kong.Description("Bandwidth and connection governor of HTTP virtual hosts."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&c.Globals))
}

// config returns the configuration overridden by the global flags, and the
// logger it configures.
func (g *globals) config(stderr io.Writer) (*config.Config, *plog.Logger, error) {
	if err := g.setConfigFile(); err != nil {
		return nil, nil, err
	}

	// Bootstrap logger until the configured level is known.
	bootstrap := plog.NewLogger(plog.Error, stderr, nil)
	cfg, err := config.New(bootstrap)
	if err != nil {
		return nil, nil, err
	}
	if g.Definitions != "" {
		cfg.Set("definitions", g.Definitions)
	}
	if g.LogLevel != "" {
		cfg.Set("log_level", g.LogLevel)
	}
	return cfg, plog.NewLogger(cfg.LogLevel(), stderr, nil), nil
}

// setConfigFile enforces the configuration file of the flag, if any.
func (g *globals) setConfigFile() error {
	if g.Config == "" {
		return nil
	}
	if err := os.Setenv("CBAND_CONFIG_FILE", g.Config); err != nil {
		return sqerrors.Wrap(err, "could not set the configuration file")
	}
	return nil
}

// engine returns the engine of the configuration with its usage records
// loaded from the configured store.
func (g *globals) engine(ctx context.Context, stderr io.Writer) (*internal.Engine, error) {
	cfg, logger, err := g.config(stderr)
	if err != nil {
		return nil, err
	}
	return internal.NewFromConfig(ctx, cfg, logger)
}
