// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Governor configuration package.

// This package includes both compile-time and run-time configuration of the
// governor. Run-time settings are read from environment variables prefixed
// with `CBAND_` and from an optional configuration file. Virtual hosts, users
// and destination classes are defined in a separate definitions file.

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/sqreen/go-cband/internal/admission"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/store"
)

type Config struct {
	*viper.Viper
}

var (
	IPRelatedHTTPHeaders = []string{
		"X-Forwarded-For",
		"X-Client-Ip",
		"X-Real-Ip",
		"X-Forwarded",
		"X-Cluster-Client-Ip",
		"Forwarded-For",
		"Forwarded",
		"Via",
		"HTTP_X_FORWARDED_FOR",
		"HTTP_X_REAL_IP",
		"HTTP_CLIENT_IP",
		"HTTP_X_FORWARDED",
		"HTTP_X_CLUSTER_CLIENT_IP",
		"HTTP_FORWARDED_FOR",
		"HTTP_FORWARDED",
		"HTTP_VIA",
	}
)

// Helper function to return the IP network out of a string.
func ipnet(s string) *net.IPNet {
	_, n, _ := net.ParseCIDR(s)
	return n
}

// IP networks allowing to compute whether an address is global or private.
var (
	IPv4PrivateNetworks = []*net.IPNet{
		ipnet("0.0.0.0/8"),
		ipnet("10.0.0.0/8"),
		ipnet("127.0.0.0/8"),
		ipnet("169.254.0.0/16"),
		ipnet("172.16.0.0/12"),
		ipnet("192.0.0.0/29"),
		ipnet("192.0.0.170/31"),
		ipnet("192.0.2.0/24"),
		ipnet("192.168.0.0/16"),
		ipnet("198.18.0.0/15"),
		ipnet("198.51.100.0/24"),
		ipnet("203.0.113.0/24"),
		ipnet("240.0.0.0/4"),
		ipnet("255.255.255.255/32"),
	}

	IPv4PublicNetwork = ipnet("100.64.0.0/10")

	IPv6PrivateNetworks = []*net.IPNet{
		ipnet("::1/128"),
		ipnet("::/128"),
		ipnet("::ffff:0:0/96"),
		ipnet("100::/64"),
		ipnet("2001::/23"),
		ipnet("2001:2::/48"),
		ipnet("2001:db8::/32"),
		ipnet("2001:10::/28"),
		ipnet("fc00::/7"),
		ipnet("fe80::/10"),
	}
)

// ClientIPHeaderFormatHAProxy is the `ip_header_format` value of HAProxy
// unique IDs starting with the client address in hexadecimal (`%ci:%cp...`).
const ClientIPHeaderFormatHAProxy = `haproxy`

const (
	configEnvPrefix    = `cband`
	configFileBasename = `cband`
)

const (
	configEnvKeyConfigFile = `config_file`

	configKeyLogLevel                 = `log_level`
	configKeyHTTPClientIPHeader       = `ip_header`
	configKeyHTTPClientIPHeaderFormat = `ip_header_format`
	configKeyDefinitions              = `definitions`
	configKeyStore                    = `store`
	configKeyStorePath                = `store_path`
	configKeyStoreRedisAddr           = `store_redis_addr`
	configKeyStoreRedisPrefix         = `store_redis_prefix`
	configKeyScoreFlushPeriod         = `score_flush_period`
	configKeyRandomPulse              = `random_pulse`
	configKeyDefaultExceededURL       = `default_exceeded_url`
	configKeyDefaultExceededCode      = `default_exceeded_code`
	configKeyMaxRemoteHosts           = `max_remote_hosts`
	configKeyAdmissionMaxLoops        = `admission_max_loops`
	configKeyAdmissionSleep           = `admission_sleep`
	configKeyAdmissionJitter          = `admission_jitter`
	configKeyClassCacheSize           = `class_cache_size`
)

// User configuration's default values.
const (
	configDefaultLogLevel            = `info`
	configDefaultStore               = string(store.KindNone)
	configDefaultStoreRedisPrefix    = `cband`
	configDefaultScoreFlushPeriod    = 0
	configDefaultRandomPulse         = true
	configDefaultExceededCode        = 503
	configDefaultMaxRemoteHosts      = 8192
	configDefaultAdmissionMaxLoops   = admission.DefaultMaxLoops
	configDefaultAdmissionSleep      = admission.DefaultSleep
	configDefaultAdmissionJitter     = admission.DefaultJitter
	configDefaultClassCacheSize      = 4096
)

func New(logger *plog.Logger) (*Config, error) {
	manager := viper.New()
	manager.SetEnvPrefix(configEnvPrefix)
	manager.AutomaticEnv()
	manager.SetConfigName(configFileBasename)

	// Default values of configurable parameters
	parameters := []struct {
		key          string
		defaultValue interface{}
	}{
		{key: configKeyLogLevel, defaultValue: configDefaultLogLevel},
		{key: configKeyHTTPClientIPHeader, defaultValue: ""},
		{key: configKeyHTTPClientIPHeaderFormat, defaultValue: ""},
		{key: configKeyDefinitions, defaultValue: ""},
		{key: configKeyStore, defaultValue: configDefaultStore},
		{key: configKeyStorePath, defaultValue: ""},
		{key: configKeyStoreRedisAddr, defaultValue: ""},
		{key: configKeyStoreRedisPrefix, defaultValue: configDefaultStoreRedisPrefix},
		{key: configKeyScoreFlushPeriod, defaultValue: configDefaultScoreFlushPeriod},
		{key: configKeyRandomPulse, defaultValue: configDefaultRandomPulse},
		{key: configKeyDefaultExceededURL, defaultValue: ""},
		{key: configKeyDefaultExceededCode, defaultValue: configDefaultExceededCode},
		{key: configKeyMaxRemoteHosts, defaultValue: configDefaultMaxRemoteHosts},
		{key: configKeyAdmissionMaxLoops, defaultValue: configDefaultAdmissionMaxLoops},
		{key: configKeyAdmissionSleep, defaultValue: configDefaultAdmissionSleep},
		{key: configKeyAdmissionJitter, defaultValue: configDefaultAdmissionJitter},
		{key: configKeyClassCacheSize, defaultValue: configDefaultClassCacheSize},
	}
	for _, p := range parameters {
		manager.SetDefault(p.key, p.defaultValue)
	}

	// Configuration file settings
	configFileEnvVar := strings.ToUpper(configEnvPrefix + "_" + configEnvKeyConfigFile)
	configFile := os.Getenv(configFileEnvVar)
	if configFile != "" {
		// File location enforced by the user
		manager.SetConfigFile(configFile)
		logger.Infof("config: configuration file enforced by the environment variable `%s` to `%s`", configFileEnvVar, configFile)
	} else {
		// Not enforced: add possible paths in precedence order
		// 1. Current working directory path:
		manager.AddConfigPath(`.`)
		// 2. Executable path
		exec, err := os.Executable()
		if err != nil {
			logger.Error(sqerrors.Wrap(err, "config: could not read the executable file path"))
		} else {
			manager.AddConfigPath(filepath.Dir(exec))
		}
	}
	// Try to read a configuration file according to the previous settings
	if readErr, fileUsed := manager.ReadInConfig(), manager.ConfigFileUsed(); readErr != nil && fileUsed != "" {
		// Could not read despite the fact of having found a file
		logger.Error(sqerrors.Wrap(readErr, fmt.Sprintf("config: could not read the configuration file `%s`: falling back to environment variables", fileUsed)))
	} else if fileUsed != "" {
		// A file was found and no error reading it
		logger.Infof("config: reading configuration settings from file `%s`", fileUsed)
	} else {
		logger.Infof("config: reading configuration settings from environment variables")
	}

	cfg := &Config{Viper: manager}
	if cfg.LogLevel() == plog.Debug {
		logger.Infof("config: setting: %s = %q", configFileEnvVar, configFile)
		for _, p := range parameters {
			logger.Infof("config: settings: %s = %q", p.key, cfg.GetString(p.key))
		}
	}

	if err := cfg.health(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogLevel returns the log level.
func (c *Config) LogLevel() plog.LogLevel {
	return plog.ParseLogLevel(sanitizeString(c.GetString(configKeyLogLevel)))
}

// HTTPClientIPHeader returns the header to first lookup to find the client ip of a HTTP request.
func (c *Config) HTTPClientIPHeader() string {
	return sanitizeString(c.GetString(configKeyHTTPClientIPHeader))
}

// HTTPClientIPHeaderFormat returns the header format of the `ip_header` value.
func (c *Config) HTTPClientIPHeaderFormat() string {
	return sanitizeString(c.GetString(configKeyHTTPClientIPHeaderFormat))
}

// DefinitionsFile returns the path of the YAML file defining the classes,
// the users and the virtual hosts.
func (c *Config) DefinitionsFile() string {
	return sanitizeString(c.GetString(configKeyDefinitions))
}

// StoreOptions returns the options of the usage record store.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Kind:        store.Kind(strings.ToLower(sanitizeString(c.GetString(configKeyStore)))),
		Path:        sanitizeString(c.GetString(configKeyStorePath)),
		RedisAddr:   sanitizeString(c.GetString(configKeyStoreRedisAddr)),
		RedisPrefix: sanitizeString(c.GetString(configKeyStoreRedisPrefix)),
	}
}

// ScoreFlushPeriod returns the number of streams after which the usage
// records are saved. Every stream saves them when 1 or less.
func (c *Config) ScoreFlushPeriod() int64 {
	p := c.GetInt64(configKeyScoreFlushPeriod)
	if p < 0 {
		return 0
	}
	return p
}

// RandomPulse returns true when the pacing sleeps are randomized.
func (c *Config) RandomPulse() bool {
	return c.GetBool(configKeyRandomPulse)
}

// DefaultExceededURL returns the redirection URL of the entities exceeding
// their limits without their own redirection URL nor over-limit speed.
func (c *Config) DefaultExceededURL() string {
	return sanitizeString(c.GetString(configKeyDefaultExceededURL))
}

// DefaultExceededCode returns the HTTP status code of the rejected requests.
func (c *Config) DefaultExceededCode() int {
	return c.GetInt(configKeyDefaultExceededCode)
}

// MaxRemoteHosts returns the capacity of the remote client table.
func (c *Config) MaxRemoteHosts() int {
	return c.GetInt(configKeyMaxRemoteHosts)
}

// Admission returns the configuration of the request rate retry loop.
func (c *Config) Admission() admission.Config {
	return admission.Config{
		MaxLoops: c.GetInt(configKeyAdmissionMaxLoops),
		Sleep:    c.GetDuration(configKeyAdmissionSleep),
		Jitter:   c.GetDuration(configKeyAdmissionJitter),
	}
}

// ClassCacheSize returns the size of the client address classification
// cache. The cache is disabled when 0.
func (c *Config) ClassCacheSize() int {
	n := c.GetInt(configKeyClassCacheSize)
	if n < 0 {
		return 0
	}
	return n
}

func sanitizeString(s string) string {
	return strings.TrimSpace(s)
}

func (c *Config) health() error {
	if err := validateStoreOptions(c.StoreOptions()); err != nil {
		return sqerrors.Wrap(err, "config: invalid store")
	}

	if format := c.HTTPClientIPHeaderFormat(); format != "" && format != ClientIPHeaderFormatHAProxy {
		return sqerrors.Errorf("config: unsupported `%s` value `%s`", configKeyHTTPClientIPHeaderFormat, format)
	}

	if code := c.DefaultExceededCode(); code < 300 || code > 599 {
		return sqerrors.Errorf("config: `%s` value `%d` is not a redirection nor an error status code", configKeyDefaultExceededCode, code)
	}

	if n := c.MaxRemoteHosts(); n <= 0 {
		return sqerrors.Errorf("config: `%s` must be positive", configKeyMaxRemoteHosts)
	}

	a := c.Admission()
	if a.MaxLoops < 0 || a.Sleep < 0 || a.Jitter < 0 {
		return sqerrors.Errorf("config: negative admission retry loop settings `%+v`", a)
	}
	if a.Sleep+a.Jitter > time.Minute {
		return sqerrors.Errorf("config: admission retry loop sleep `%s` is too long", a.Sleep+a.Jitter)
	}

	return nil
}

func validateStoreOptions(opts store.Options) error {
	switch opts.Kind {
	case store.KindNone, store.KindMemory:
		return nil
	case store.KindFile, store.KindLevelDB:
		if opts.Path == "" {
			return sqerrors.Errorf("missing `%s` value for the `%s` store", configKeyStorePath, opts.Kind)
		}
		return nil
	case store.KindRedis:
		if opts.RedisAddr == "" {
			return sqerrors.Errorf("missing `%s` value", configKeyStoreRedisAddr)
		}
		return nil
	default:
		return sqerrors.Errorf("unknown store `%s`", opts.Kind)
	}
}
