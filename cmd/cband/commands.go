// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/alecthomas/kong"
	jsoniter "github.com/json-iterator/go"
	"github.com/sqreen/go-cband/internal/classifier"
	"github.com/sqreen/go-cband/internal/config"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
)

type classifyCommand struct {
	Addresses []string `arg:"" name:"address" help:"IPv4 or IPv6 addresses."`
}

// Run prints one line per address with its destination class name.
// Unclassified addresses are printed with `-`.
func (cmd *classifyCommand) Run(g *globals, kctx *kong.Context) error {
	cfg, logger, err := g.config(kctx.Stderr)
	if err != nil {
		return err
	}
	path := cfg.DefinitionsFile()
	if path == "" {
		return sqerrors.New("no definitions file configured")
	}
	defs, err := config.LoadDefinitions(path)
	if err != nil {
		return err
	}
	c, err := classifier.New(defs.Classes)
	if err != nil {
		// Invalid destinations are skipped.
		logger.Error(err)
	}

	for _, addr := range cmd.Addresses {
		ip := net.ParseIP(addr)
		if ip == nil {
			return sqerrors.WithKind(sqerrors.Errorf("invalid address `%s`", addr), sqerrors.InvalidFormat)
		}
		name := "-"
		if class, ok := c.Classify(ip); ok {
			name = c.Name(class)
		}
		fmt.Fprintf(kctx.Stdout, "%s %s\n", addr, name)
	}
	return nil
}

type inspectCommand struct {
	Indent bool `help:"Indent the JSON output."`
}

// Run prints the usage records of the store along with the entity
// definitions.
func (cmd *inspectCommand) Run(g *globals, kctx *kong.Context) error {
	ctx := context.Background()
	e, err := g.engine(ctx, kctx.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = e.Close(ctx)
	}()

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(kctx.Stdout)
	if cmd.Indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(struct {
		Entities interface{} `json:"entities"`
	}{
		Entities: e.Entities(),
	})
}

type resetCommand struct {
	Kind string `arg:"" enum:"vhost,user" help:"Kind of entity (vhost or user)."`
	Name string `arg:"" help:"Name of the entity, or all."`
}

// Run resets the usage records and saves them into the store.
func (cmd *resetCommand) Run(g *globals, kctx *kong.Context) error {
	ctx := context.Background()
	e, err := g.engine(ctx, kctx.Stderr)
	if err != nil {
		return err
	}

	if cmd.Kind == "vhost" {
		err = e.ResetVHost(cmd.Name)
	} else {
		err = e.ResetUser(cmd.Name)
	}
	if err != nil {
		_ = e.Close(ctx)
		return err
	}
	return e.Close(ctx)
}
