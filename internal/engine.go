// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package internal

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sqreen/go-cband/internal/admission"
	"github.com/sqreen/go-cband/internal/classifier"
	"github.com/sqreen/go-cband/internal/config"
	"github.com/sqreen/go-cband/internal/governor"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/quota"
	"github.com/sqreen/go-cband/internal/remote"
	"github.com/sqreen/go-cband/internal/sqlib/sqatomic"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/sqlib/sqtime"
	"github.com/sqreen/go-cband/internal/store"
	"github.com/sqreen/go-cband/internal/throttle"
)

// Options of a new engine.
type Options struct {
	Definitions *config.Definitions
	// Usage record store. The records are only kept in memory when nil.
	Store store.Store

	MaxRemoteHosts int
	Admission      admission.Config
	ClassCacheSize int
	RandomPulse    bool
	// Number of streams between two saves of the usage records.
	ScoreFlushPeriod int64

	DefaultExceededURL  string
	DefaultExceededCode int

	// Default to the system clock and a time-seeded random source.
	Clock sqtime.Clock
	Rand  sqtime.Rand
}

// Engine governs the requests and the response streams of the virtual
// hosts it is defined with. It is safe for concurrent use.
type Engine struct {
	logger *plog.Logger
	// Store errors are sampled so that an unavailable store does not flood
	// the logs.
	storeLogger plog.DebugLevelLogger

	// Current registry, atomically swapped on reload.
	registry  *registry
	reloadMu  sync.Mutex
	classes   *classifier.Store
	remotes   *remote.Table
	admission *admission.Controller
	store     store.Store

	clock               sqtime.Clock
	rand                sqtime.Rand
	randomPulse         bool
	flushPeriod         int64
	defaultExceededURL  string
	defaultExceededCode int

	stats engineStats

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type engineStats struct {
	requests, admitted, rejected, redirected, overlimit, streams sqatomic.Int64
}

// Stats are the engine counters since its creation.
type Stats struct {
	// Governed requests.
	Requests int64 `json:"requests"`
	Admitted int64 `json:"admitted"`
	// Requests rejected with an error status code, including the admission
	// rejections.
	Rejected   int64 `json:"rejected"`
	Redirected int64 `json:"redirected"`
	// Requests having switched their entity to its over-limit speed.
	Overlimit int64 `json:"overlimit"`
	Streams   int64 `json:"streams"`
}

// New returns the engine of the options. Invalid class destinations are
// logged and skipped.
func New(logger *plog.Logger, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = sqtime.SystemClock{}
	}
	if opts.Rand == nil {
		opts.Rand = sqtime.NewRand()
	}
	if opts.DefaultExceededCode == 0 {
		opts.DefaultExceededCode = http.StatusServiceUnavailable
	}
	if !opts.RandomPulse {
		// Admission retries sleep a fixed interval without random pulse.
		opts.Admission.Jitter = 0
	}

	remotes := remote.New(opts.MaxRemoteHosts)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:              logger,
		storeLogger:         plog.WithBackoff(logger),
		classes:             classifier.NewStore(opts.ClassCacheSize),
		remotes:             remotes,
		admission:           admission.New(opts.Admission, remotes, opts.Clock, opts.Rand, logger),
		store:               opts.Store,
		clock:               opts.Clock,
		rand:                opts.Rand,
		randomPulse:         opts.RandomPulse,
		flushPeriod:         opts.ScoreFlushPeriod,
		defaultExceededURL:  opts.DefaultExceededURL,
		defaultExceededCode: opts.DefaultExceededCode,
		ctx:                 ctx,
		cancel:              cancel,
	}
	e.Reload(opts.Definitions)
	return e
}

// NewFromConfig returns the engine of the configuration. Its usage records
// are loaded from the configured store. The engine keeps going in memory
// when the store cannot be opened.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *plog.Logger) (*Engine, error) {
	var defs *config.Definitions
	if path := cfg.DefinitionsFile(); path != "" {
		var err error
		defs, err = config.LoadDefinitions(path)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("engine: no definitions file configured: requests will not be governed")
	}

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		logger.Error(sqerrors.Wrap(err, "engine: could not open the usage record store: usage records will only be kept in memory"))
		st = nil
	}

	e := New(logger, Options{
		Definitions:         defs,
		Store:               st,
		MaxRemoteHosts:      cfg.MaxRemoteHosts(),
		Admission:           cfg.Admission(),
		ClassCacheSize:      cfg.ClassCacheSize(),
		RandomPulse:         cfg.RandomPulse(),
		ScoreFlushPeriod:    cfg.ScoreFlushPeriod(),
		DefaultExceededURL:  cfg.DefaultExceededURL(),
		DefaultExceededCode: cfg.DefaultExceededCode(),
	})

	if err := e.Load(ctx); err != nil {
		logger.Error(sqerrors.Wrap(err, "engine: could not load every usage record"))
	}
	return e, nil
}

func (e *Engine) Logger() *plog.Logger {
	return e.logger
}

func (e *Engine) getRegistry() *registry {
	return (*registry)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&e.registry))))
}

func (e *Engine) setRegistry(r *registry) {
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&e.registry)), unsafe.Pointer(r))
}

// Reload replaces the destination classes, the virtual hosts and the users
// with the definitions while the current ones are still being used. The
// usage records of the entities still defined are kept. Streams started
// before the reload keep accounting to the previous entities.
func (e *Engine) Reload(defs *config.Definitions) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	var classes []classifier.Definition
	if defs != nil {
		classes = defs.Classes
	}
	c, err := classifier.New(classes)
	if err != nil {
		e.logger.Error(sqerrors.Wrap(err, "engine: invalid destination classes"))
	}
	e.classes.Set(c)
	e.setRegistry(newRegistry(e.logger, defs, e.getRegistry()))
	e.logger.Debugf("engine: %d destination classes loaded", c.Len())
}

// Request is the part of an HTTP request the engine needs.
type Request struct {
	Method string
	Host   string
	// Client address resolved by the caller.
	Addr net.IP
	// Status code of the response when already set by a previous handler.
	Status int
	// Internal sub-requests are not governed.
	SubRequest bool
}

// Decision is the outcome of CheckRequest.
type Decision struct {
	// HTTP status code of the response when the request is rejected, 0
	// otherwise.
	Status int
	// Redirection location of StatusMovedPermanently.
	Location string

	vhost *vhostEntry
	class int
	addr  net.IP
}

// Rejected returns true when the request must be answered with Status.
func (d Decision) Rejected() bool { return d.Status != 0 }

// Governed returns true when the response of the request must be streamed
// through NewStream.
func (d Decision) Governed() bool { return d.Status == 0 && d.vhost != nil }

// Class returns the destination class index of the client, or
// classifier.Unclassified.
func (d Decision) Class() int { return d.class }

// CheckRequest checks the request against the limits of its virtual host
// and of its user. Only GET requests that are neither sub-requests nor
// already answered with a status code of 300 or more are governed. The
// admission control can delay the call while the request rates are too
// high.
func (e *Engine) CheckRequest(ctx context.Context, req Request) Decision {
	if req.SubRequest || req.Method != http.MethodGet || req.Status >= 300 {
		return Decision{}
	}

	vhost := e.getRegistry().vhost(req.Host)
	if vhost == nil {
		return Decision{}
	}
	e.stats.requests.Increment()

	now := e.clock.Now()
	class := classifier.Unclassified
	if req.Addr != nil {
		class, _ = e.classes.Classify(req.Addr)
	}

	// Limits are computed with the window the request arrived in.
	vhostLimits := vhost.entity.Limits(class, now)
	vhost.entity.Do(func(_ *governor.State, r *quota.Record) {
		r.WasRequest = 1
	})
	vhost.entity.Refresh(now)
	var userLimits quota.Limits
	if vhost.user != nil {
		userLimits = vhost.user.Limits(class, now)
		vhost.user.Refresh(now)
	}

	err := e.admission.Check(ctx, admission.Request{
		VHost:     vhost.entity,
		User:      vhost.userLimiter(),
		VHostName: vhost.name(),
		Addr:      req.Addr,
		Class:     class,
	})
	if err != nil {
		e.stats.rejected.Increment()
		e.logger.Debugf("engine: request to `%s` from `%s` rejected: %v", vhost.name(), req.Addr, err)
		return Decision{Status: http.StatusServiceUnavailable}
	}

	var vhostUsage, userUsage quota.Usage
	vhost.entity.Do(func(_ *governor.State, r *quota.Record) {
		vhostUsage = r.Usage(class)
	})
	if vhost.user != nil {
		vhost.user.Do(func(_ *governor.State, r *quota.Record) {
			userUsage = r.Usage(class)
		})
	}

	if d, ok := e.checkLimits(vhost.entity, vhostLimits, vhostUsage); !ok {
		return d
	}
	if vhost.user != nil {
		if d, ok := e.checkLimits(vhost.user, userLimits, userUsage); !ok {
			return d
		}
	}

	e.stats.admitted.Increment()
	return Decision{vhost: vhost, class: class, addr: req.Addr}
}

// checkLimits returns the decision of an entity having exceeded its limits.
// An entity with an over-limit speed is switched to it instead and the
// request is allowed.
func (e *Engine) checkLimits(entity *governor.Entity, limits quota.Limits, usage quota.Usage) (d Decision, ok bool) {
	cfg := entity.Config()
	ok = limits.Check(usage, func(quota.Quota) bool {
		switch {
		case cfg.ExceededURL != "":
			d = Decision{Status: http.StatusMovedPermanently, Location: cfg.ExceededURL}
		case cfg.OverSpeed.Kbps > 0 || cfg.OverSpeed.RPS > 0:
			entity.SetOverlimit()
			e.stats.overlimit.Increment()
			return true
		case e.defaultExceededURL != "":
			d = Decision{Status: http.StatusMovedPermanently, Location: e.defaultExceededURL}
		default:
			d = Decision{Status: e.defaultExceededCode}
		}
		return false
	})
	if !ok {
		if d.Location != "" {
			e.stats.redirected.Increment()
		} else {
			e.stats.rejected.Increment()
		}
		e.logger.Debugf("engine: `%s` exceeded its limits: %d %s", entity.Name(), d.Status, d.Location)
	}
	return d, ok
}

// NewStream returns the throttled stream of the response of a governed
// request, or nil when the request is not governed. The stream must be
// closed once the response is complete.
func (e *Engine) NewStream(ctx context.Context, d Decision, sink throttle.Sink) *throttle.Stream {
	if !d.Governed() {
		return nil
	}
	e.stats.streams.Increment()
	p := throttle.Params{
		VHost:       d.vhost.entity,
		User:        d.vhost.userLimiter(),
		VHostName:   d.vhost.name(),
		Addr:        d.addr,
		Class:       d.class,
		Remotes:     e.remotes,
		RandomPulse: e.randomPulse,
		FlushPeriod: e.flushPeriod,
		Clock:       e.clock,
		Rand:        e.rand,
	}
	if e.store != nil {
		p.Save = e.saveLimiter
	}
	return throttle.New(ctx, p, sink)
}

// Classify returns the destination class of the address and its name.
func (e *Engine) Classify(ip net.IP) (class int, name string, ok bool) {
	class, ok = e.classes.Classify(ip)
	if !ok {
		return class, "", false
	}
	return class, e.classes.Classifier().Name(class), true
}

// Stats returns the current engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:   e.stats.requests.Load(),
		Admitted:   e.stats.admitted.Load(),
		Rejected:   e.stats.rejected.Load(),
		Redirected: e.stats.redirected.Load(),
		Overlimit:  e.stats.overlimit.Load(),
		Streams:    e.stats.streams.Load(),
	}
}

func configError(format string, args ...interface{}) error {
	return sqerrors.NewKind(sqerrors.ConfigInvariantViolation, format, args...)
}
