// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package middleware creates the bandwidth governor shared by the HTTP
// framework middlewares of its sub-packages. The governor is configured like
// the cband command: `CBAND_` environment variables and the `cband.*`
// configuration file of the working directory, or the one enforced by the
// `CBAND_CONFIG_FILE` environment variable.
//
// Usage example:
//
//	g, err := middleware.New(ctx, middleware.Options{Definitions: "/etc/cband/definitions.yml"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close(context.Background())
//	http.Handle("/", cbhttp.Middleware(g.Handler, http.FileServer(http.Dir("/var/www"))))
//
package middleware

import (
	"context"
	"io"
	"os"

	"github.com/sqreen/go-cband/internal"
	"github.com/sqreen/go-cband/internal/clientip"
	"github.com/sqreen/go-cband/internal/config"
	"github.com/sqreen/go-cband/internal/httphandler"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

// Handler checks the requests against the limits of their virtual host and
// throttles the responses of the governed ones.
type Handler = httphandler.Handler

// ResponseWriter is the response writer of the allowed requests.
type ResponseWriter = httphandler.ResponseWriter

// Options override the configuration settings when not empty.
type Options struct {
	// Definitions file of the classes, users and virtual hosts.
	Definitions string
	// Log level: disabled, error, info or debug.
	LogLevel string
	// Log output, os.Stderr when nil.
	LogOutput io.Writer
}

// Governor governs the requests of its handler.
type Governor struct {
	*Handler
	engine *internal.Engine
	cfg    *config.Config
	logger *plog.Logger
}

// New returns the governor of the configuration. The usage records are
// loaded from the configured store, and saved back by Close.
func New(ctx context.Context, opts Options) (*Governor, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}

	// Bootstrap logger until the configured level is known.
	cfg, err := config.New(plog.NewLogger(plog.Error, out, nil))
	if err != nil {
		return nil, err
	}
	if opts.Definitions != "" {
		cfg.Set("definitions", opts.Definitions)
	}
	if opts.LogLevel != "" {
		cfg.Set("log_level", opts.LogLevel)
	}
	logger := plog.NewLogger(cfg.LogLevel(), out, nil)

	e, err := internal.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Governor{
		Handler: httphandler.New(e, clientip.NewResolver(cfg), logger),
		engine:  e,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Logger returns the logger of the governor.
func (g *Governor) Logger() *plog.Logger { return g.logger }

// Reload replaces the definitions with the ones of the definitions file
// without interrupting the requests being served. The current definitions
// are kept when the file is invalid.
func (g *Governor) Reload() error {
	path := g.cfg.DefinitionsFile()
	if path == "" {
		g.logger.Info("middleware: no definitions file to reload")
		return nil
	}
	defs, err := config.LoadDefinitions(path)
	if err != nil {
		return sqerrors.Wrapf(err, "middleware: could not reload the definitions file `%s`", path)
	}
	g.engine.Reload(defs)
	g.logger.Infof("middleware: definitions reloaded from `%s`", path)
	return nil
}

// Close saves the usage records and closes their store.
func (g *Governor) Close(ctx context.Context) error {
	return g.engine.Close(ctx)
}
