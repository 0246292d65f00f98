// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package config

import (
	"io/ioutil"
	"net"
	"strings"

	"github.com/sqreen/go-cband/internal/classifier"
	"github.com/sqreen/go-cband/internal/governor"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/units"
	"gopkg.in/yaml.v3"
)

// Definitions of the destination classes, the users and the virtual hosts.
type Definitions struct {
	Classes []classifier.Definition
	Users   []governor.Config
	VHosts  []VHostDefinition
}

// VHostDefinition is the configuration of a virtual host and the name of its
// user, if any.
type VHostDefinition struct {
	governor.Config
	User string
}

type (
	definitionsFile struct {
		Classes []classDefinition  `yaml:"classes"`
		Users   []entityDefinition `yaml:"users"`
		VHosts  []entityDefinition `yaml:"virtual_hosts"`
	}

	classDefinition struct {
		Name         string   `yaml:"name"`
		Destinations []string `yaml:"destinations"`
	}

	entityDefinition struct {
		Name              string                     `yaml:"name"`
		User              string                     `yaml:"user"`
		Scoreboard        string                     `yaml:"scoreboard"`
		Limit             string                     `yaml:"limit"`
		Period            string                     `yaml:"period"`
		Slice             string                     `yaml:"slice"`
		ExceededURL       string                     `yaml:"exceeded_url"`
		Speed             speedDefinition            `yaml:"speed"`
		RemoteSpeed       speedDefinition            `yaml:"remote_speed"`
		ExceededSpeed     speedDefinition            `yaml:"exceeded_speed"`
		ClassLimits       map[string]string          `yaml:"class_limits"`
		ClassRemoteSpeeds map[string]speedDefinition `yaml:"class_remote_speeds"`
	}

	speedDefinition struct {
		Kbps    string `yaml:"kbps"`
		RPS     uint64 `yaml:"rps"`
		MaxConn uint64 `yaml:"max_conn"`
	}
)

// LoadDefinitions reads and parses the definitions file at `path`.
func LoadDefinitions(path string) (*Definitions, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, sqerrors.Wrapf(err, "config: could not read the definitions file `%s`", path)
	}
	defs, err := ParseDefinitions(buf)
	if err != nil {
		return nil, sqerrors.Wrapf(err, "config: definitions file `%s`", path)
	}
	return defs, nil
}

// ParseDefinitions parses the YAML definitions. Periods, limits and speeds
// are converted into their canonical units. Names must be unique per kind
// and references to users and classes must exist. User and virtual host
// names are compared once normalized by UserName and HostName.
func ParseDefinitions(buf []byte) (*Definitions, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, sqerrors.WrapKind(err, sqerrors.InvalidFormat, "could not parse the definitions")
	}

	if len(file.Classes) > classifier.MaxClasses {
		return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "%d destination classes defined while only %d are allowed", len(file.Classes), classifier.MaxClasses)
	}

	defs := &Definitions{}
	classes := make(map[string]int, len(file.Classes))
	for i, c := range file.Classes {
		if c.Name == "" {
			return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "unnamed destination class #%d", i)
		}
		if _, exists := classes[c.Name]; exists {
			return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "duplicate destination class `%s`", c.Name)
		}
		classes[c.Name] = i
		defs.Classes = append(defs.Classes, classifier.Definition{Name: c.Name, Destinations: c.Destinations})
	}

	users := make(map[string]struct{}, len(file.Users))
	for _, u := range file.Users {
		if u.User != "" {
			return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "user `%s` cannot reference the user `%s`", u.Name, u.User)
		}
		cfg, err := u.config(classes)
		if err != nil {
			return nil, sqerrors.Wrapf(err, "user `%s`", u.Name)
		}
		name := UserName(cfg.Name)
		if _, exists := users[name]; exists {
			return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "duplicate user `%s`", cfg.Name)
		}
		users[name] = struct{}{}
		defs.Users = append(defs.Users, cfg)
	}

	vhosts := make(map[string]struct{}, len(file.VHosts))
	for _, v := range file.VHosts {
		cfg, err := v.config(classes)
		if err != nil {
			return nil, sqerrors.Wrapf(err, "virtual host `%s`", v.Name)
		}
		name := HostName(cfg.Name)
		if _, exists := vhosts[name]; exists {
			return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "duplicate virtual host `%s`", cfg.Name)
		}
		if v.User != "" {
			if _, exists := users[UserName(v.User)]; !exists {
				return nil, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "virtual host `%s` references the undefined user `%s`", cfg.Name, v.User)
			}
		}
		vhosts[name] = struct{}{}
		defs.VHosts = append(defs.VHosts, VHostDefinition{Config: cfg, User: v.User})
	}

	return defs, nil
}

// UserName returns the normalized name of a user.
func UserName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HostName returns the normalized name of a virtual host or of a request
// host, without its port number and trailing dot.
func HostName(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(UserName(host), ".")
}

func (d *entityDefinition) config(classes map[string]int) (cfg governor.Config, err error) {
	if d.Name == "" {
		return cfg, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "missing name")
	}
	cfg.Name = d.Name
	cfg.ScoreboardKey = d.Scoreboard
	cfg.ExceededURL = d.ExceededURL
	cfg.Mult = units.Decimal

	if d.Limit != "" {
		if cfg.Limit, cfg.Mult, err = units.Limit(d.Limit); err != nil {
			return cfg, err
		}
	}
	if d.Period != "" {
		if cfg.Period, err = units.Period(d.Period); err != nil {
			return cfg, err
		}
	}
	if d.Slice != "" {
		if cfg.SliceLen, err = units.Period(d.Slice); err != nil {
			return cfg, err
		}
	}

	if cfg.Speed, err = d.Speed.speed(); err != nil {
		return cfg, sqerrors.Wrap(err, "speed")
	}
	if cfg.RemoteSpeed, err = d.RemoteSpeed.speed(); err != nil {
		return cfg, sqerrors.Wrap(err, "remote speed")
	}
	if cfg.OverSpeed, err = d.ExceededSpeed.speed(); err != nil {
		return cfg, sqerrors.Wrap(err, "exceeded speed")
	}

	for name, limit := range d.ClassLimits {
		i, err := classIndex(classes, name)
		if err != nil {
			return cfg, err
		}
		q := &cfg.ClassLimits[i]
		if q.Limit, q.Mult, err = units.Limit(limit); err != nil {
			return cfg, sqerrors.Wrapf(err, "class `%s` limit", name)
		}
	}
	for name, speed := range d.ClassRemoteSpeeds {
		i, err := classIndex(classes, name)
		if err != nil {
			return cfg, err
		}
		if cfg.ClassRemoteSpeeds[i], err = speed.speed(); err != nil {
			return cfg, sqerrors.Wrapf(err, "class `%s` remote speed", name)
		}
	}

	return cfg, nil
}

func classIndex(classes map[string]int, name string) (int, error) {
	i, exists := classes[name]
	if !exists || i >= quota.MaxClasses {
		return 0, sqerrors.NewKind(sqerrors.ConfigInvariantViolation, "undefined destination class `%s`", name)
	}
	return i, nil
}

func (d speedDefinition) speed() (s governor.Speed, err error) {
	if d.Kbps != "" {
		if s.Kbps, err = units.Speed(d.Kbps); err != nil {
			return s, err
		}
	}
	s.RPS = d.RPS
	s.MaxConn = d.MaxConn
	return s, nil
}
