// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	gingonic "github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/sqlib/sqsafe"
	"github.com/sqreen/go-cband/sdk/middleware"
	"github.com/sqreen/go-cband/sdk/middleware/cbecho"
	"github.com/sqreen/go-cband/sdk/middleware/cbgin"
	"github.com/sqreen/go-cband/sdk/middleware/cbhttp"
)

const (
	frameworkHTTP = "http"
	frameworkGin  = "gin"
	frameworkEcho = "echo"
)

type serveCommand struct {
	Listen          string        `default:":8080" help:"Listening address."`
	Framework       string        `default:"http" enum:"http,gin,echo" help:"HTTP framework serving the files (http, gin or echo)."`
	ShutdownTimeout time.Duration `default:"10s" help:"Maximum duration of the graceful shutdown."`
	Root            string        `arg:"" type:"existingdir" help:"Directory of the files to serve."`
}

// Run serves the files until an interrupt or a termination signal. The
// definitions file is reloaded on SIGHUP.
func (cmd *serveCommand) Run(g *globals, kctx *kong.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := g.setConfigFile(); err != nil {
		return err
	}
	gov, err := middleware.New(ctx, middleware.Options{
		Definitions: g.Definitions,
		LogLevel:    g.LogLevel,
		LogOutput:   kctx.Stderr,
	})
	if err != nil {
		return err
	}
	logger := gov.Logger()
	srv := &http.Server{
		Addr:    cmd.Listen,
		Handler: cmd.handler(gov.Handler),
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Infof("serve: serving `%s` on `%s` with %s", cmd.Root, cmd.Listen, cmd.Framework)
	done := sqsafe.Go(func() error {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	for {
		select {
		case <-hup:
			if err := gov.Reload(); err != nil {
				logger.Error(err)
			}

		case err := <-done:
			var errs sqerrors.ErrorCollection
			errs.Add(err)
			errs.Add(gov.Close(context.Background()))
			return errs.ToError()

		case <-ctx.Done():
			logger.Info("serve: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
			defer cancel()
			var errs sqerrors.ErrorCollection
			errs.Add(srv.Shutdown(shutdownCtx))
			errs.Add(<-done)
			errs.Add(gov.Close(shutdownCtx))
			return errs.ToError()
		}
	}
}

// handler returns the file server of the root directory behind the
// middleware of the framework.
func (cmd *serveCommand) handler(h *middleware.Handler) http.Handler {
	files := http.FileServer(http.Dir(cmd.Root))
	switch cmd.Framework {
	case frameworkGin:
		gingonic.SetMode(gingonic.ReleaseMode)
		router := gingonic.New()
		router.Use(gingonic.Recovery(), cbgin.Middleware(h))
		router.NoRoute(gingonic.WrapH(files))
		return router

	case frameworkEcho:
		router := echo.New()
		router.HideBanner = true
		router.Use(cbecho.Middleware(h))
		router.GET("/*", echo.WrapHandler(files))
		return router

	default:
		return cbhttp.Middleware(h, files)
	}
}
