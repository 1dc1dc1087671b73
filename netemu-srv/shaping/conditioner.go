package shaping

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/metrics"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/radio"
	"golang.org/x/time/rate"
)

// Conditioner holds the process-wide shaping configuration and the token
// buckets shared by all flows.
type Conditioner struct {
	model *radio.Model

	writeMu sync.Mutex
	cfg     atomic.Pointer[Config]
	buckets [2]atomic.Pointer[rate.Limiter]
	gate    gate

	int64N func(n int64) int64
	now    func() time.Time

	observersMu sync.RWMutex
	observers   map[int]func(Config)
	nextID      int
}

// Option configures a Conditioner.
type Option func(*Conditioner)

// WithRandom replaces the source of latency draws. fn must return a value
// in [0,n) and be safe for concurrent use.
func WithRandom(fn func(n int64) int64) Option {
	return func(c *Conditioner) { c.int64N = fn }
}

// WithClock replaces the clock used to schedule delivery.
func WithClock(now func() time.Time) Option {
	return func(c *Conditioner) { c.now = now }
}

// NewConditioner creates a conditioner reading presets from model. model
// may be nil, in which case unset caps mean unlimited.
func NewConditioner(model *radio.Model, cfg Config, opts ...Option) (*Conditioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Conditioner{
		model:     model,
		int64N:    rand.Int64N,
		now:       time.Now,
		observers: make(map[int]func(Config)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.Store(&cfg)
	c.gate.init()
	return c, nil
}

// Config returns the current configuration.
func (c *Conditioner) Config() Config {
	return *c.cfg.Load()
}

// RadioState returns the radio state presets are taken from.
func (c *Conditioner) RadioState() radio.State {
	if c.model == nil {
		return radio.DefaultState()
	}
	return c.model.Snapshot()
}

// SetConfig validates cfg and makes it current for all subsequent
// decisions. An invalid cfg leaves the previous one in place.
func (c *Conditioner) SetConfig(cfg Config) error {
	return c.Update(func(current *Config) { *current = cfg })
}

// Update applies fn to a copy of the configuration and publishes the result
// in a single swap.
func (c *Conditioner) Update(fn func(*Config)) error {
	c.writeMu.Lock()
	next := *c.cfg.Load()
	fn(&next)
	err := next.Validate()
	if err == nil {
		c.cfg.Store(&next)
	}
	c.writeMu.Unlock()

	metrics.ConfigWrites.WithLabelValues("shaping", metrics.Outcome(err)).Inc()
	if err != nil {
		logger.Debug("Rejected shaping update: %v", err)
		return err
	}
	logger.Info("Shaping config updated: %s", next)
	c.notify(next)
	return nil
}

// Subscribe registers fn to be called with every accepted configuration.
// The returned function removes the subscription.
func (c *Conditioner) Subscribe(fn func(Config)) func() {
	c.observersMu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.observersMu.Unlock()

	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

func (c *Conditioner) notify(cfg Config) {
	c.observersMu.RLock()
	defer c.observersMu.RUnlock()
	for _, fn := range c.observers {
		fn(cfg)
	}
}

// Apply sets the configuration from the shaping section of the
// configuration file.
func (c *Conditioner) Apply(s config.ShapingConfig) error {
	return c.SetConfig(FromSettings(s))
}

func (c *Conditioner) SetUploadBps(bps int64) error {
	return c.Update(func(cfg *Config) { cfg.UploadBps = bps })
}

func (c *Conditioner) SetDownloadBps(bps int64) error {
	return c.Update(func(cfg *Config) { cfg.DownloadBps = bps })
}

// SetLatency sets the latency range in milliseconds. 0:0 defers to the
// preset.
func (c *Conditioner) SetLatency(minMs, maxMs int64) error {
	return c.Update(func(cfg *Config) {
		cfg.MinLatencyMs = minMs
		cfg.MaxLatencyMs = maxMs
		cfg.NoLatency = false
	})
}

// SetNoLatency turns latency off without touching the bandwidth caps.
func (c *Conditioner) SetNoLatency() error {
	return c.Update(func(cfg *Config) {
		cfg.MinLatencyMs = 0
		cfg.MaxLatencyMs = 0
		cfg.NoLatency = true
	})
}

func (c *Conditioner) SetDisabled(disabled bool) error {
	return c.Update(func(cfg *Config) { cfg.Disabled = disabled })
}

func (c *Conditioner) preset() radio.Preset {
	if c.model == nil {
		return radio.Preset{}
	}
	return c.model.Preset()
}

func effectiveBandwidth(cfg *Config, p radio.Preset, dir Direction) int64 {
	if cfg.Disabled {
		return 0
	}
	if bps := cfg.bps(dir); bps > 0 {
		return bps
	}
	if dir == Upload {
		return p.UploadBps()
	}
	return p.DownloadBps()
}

// EffectiveBandwidth returns the cap in bytes per second for dir, 0 when
// unlimited.
func (c *Conditioner) EffectiveBandwidth(dir Direction) int64 {
	return effectiveBandwidth(c.cfg.Load(), c.preset(), dir)
}

func latencyRange(cfg *Config, p radio.Preset) (time.Duration, time.Duration) {
	if cfg.Disabled || cfg.NoLatency {
		return 0, 0
	}
	if cfg.MinLatencyMs != 0 || cfg.MaxLatencyMs != 0 {
		return time.Duration(cfg.MinLatencyMs) * time.Millisecond, time.Duration(cfg.MaxLatencyMs) * time.Millisecond
	}
	return p.MinLatency, p.MaxLatency
}

// LatencyRange returns the bounds latency draws are taken from.
func (c *Conditioner) LatencyRange() (lo, hi time.Duration) {
	return latencyRange(c.cfg.Load(), c.preset())
}

func (c *Conditioner) drawLatency(cfg *Config, p radio.Preset) time.Duration {
	lo, hi := latencyRange(cfg, p)
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.int64N(int64(hi-lo)+1))
}

// EffectiveLatency draws a latency uniformly from the effective range.
func (c *Conditioner) EffectiveLatency() time.Duration {
	return c.drawLatency(c.cfg.Load(), c.preset())
}

// limiter returns the shared bucket for dir retuned to the given cap. A
// bucket is only built when dir goes from unlimited to limited, and it
// starts empty. Burst is one second of traffic.
func (c *Conditioner) limiter(dir Direction, bps int64) *rate.Limiter {
	slot := &c.buckets[dir]
	if bps <= 0 {
		slot.Store(nil)
		return nil
	}
	limit, burst := rate.Limit(bps), int(bps)
	for {
		if cur := slot.Load(); cur != nil {
			if cur.Limit() != limit || cur.Burst() != burst {
				now := time.Now()
				cur.SetLimitAt(now, limit)
				cur.SetBurstAt(now, burst)
				logger.Debug("Retuned %s token bucket to %d B/s", dir, bps)
			}
			return cur
		}
		next := rate.NewLimiter(limit, burst)
		next.ReserveN(time.Now(), burst)
		if slot.CompareAndSwap(nil, next) {
			logger.Debug("New %s token bucket at %d B/s", dir, bps)
			return next
		}
	}
}

// Decision is the outcome of one shaping decision: the bucket to spend
// from and the latency to apply. A nil Limiter means unlimited.
type Decision struct {
	Direction Direction
	Limiter   *rate.Limiter
	Latency   time.Duration
}

// Unlimited reports whether the decision imposes no shaping at all.
func (d Decision) Unlimited() bool {
	return d.Limiter == nil && d.Latency == 0
}

// Decide takes one shaping decision for a read or write in dir. It blocks
// while the conditioner is quiesced.
func (c *Conditioner) Decide(ctx context.Context, dir Direction) (Decision, error) {
	if err := c.gate.enter(ctx); err != nil {
		return Decision{}, neterr.Wrap(neterr.ErrCodeQuiesced, err)
	}
	defer c.gate.leave()

	cfg := c.cfg.Load()
	d := Decision{Direction: dir}
	if cfg.Disabled {
		c.limiter(dir, 0)
		return d, nil
	}
	p := c.preset()
	d.Limiter = c.limiter(dir, effectiveBandwidth(cfg, p, dir))
	d.Latency = c.drawLatency(cfg, p)
	metrics.LatencyDrawSeconds.WithLabelValues(dir.String()).Observe(d.Latency.Seconds())
	return d, nil
}

// Snapshot is a consistent view of the shaping and radio state.
type Snapshot struct {
	Config Config      `json:"shaping"`
	Radio  radio.State `json:"radio"`
}

// Quiesce stops new shaping decisions, waits for the ones being computed,
// and drops the token buckets so flows start from fresh buckets after
// Resume. The caller must call Resume, also when ctx expires.
func (c *Conditioner) Quiesce(ctx context.Context) (Snapshot, error) {
	if err := c.gate.close(ctx); err != nil {
		return Snapshot{}, err
	}
	for i := range c.buckets {
		c.buckets[i].Store(nil)
	}

	snap := Snapshot{Config: c.Config()}
	if c.model != nil {
		snap.Radio = c.model.Snapshot()
	}
	logger.Debug("Conditioner quiesced")
	return snap, nil
}

// Resume reopens the conditioner after Quiesce.
func (c *Conditioner) Resume() {
	c.gate.open()
	logger.Debug("Conditioner resumed")
}

// Quiesced reports whether new decisions are currently held back.
func (c *Conditioner) Quiesced() bool {
	return c.gate.isClosed()
}

// Restore applies a saved snapshot.
func (c *Conditioner) Restore(s Snapshot) error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	if c.model != nil {
		if err := c.model.Restore(s.Radio); err != nil {
			return err
		}
	}
	return c.SetConfig(s.Config)
}

// gate holds back new decisions while quiesced and tracks the ones in
// progress.
type gate struct {
	mu       sync.Mutex
	closed   bool
	reopened chan struct{}
	inflight int
	drained  chan struct{}
}

func (g *gate) init() {
	g.reopened = make(chan struct{})
	close(g.reopened)
}

func (g *gate) enter(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.closed {
			g.inflight++
			g.mu.Unlock()
			return nil
		}
		wait := g.reopened
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gate) leave() {
	g.mu.Lock()
	g.inflight--
	if g.inflight == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
	g.mu.Unlock()
}

func (g *gate) close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		g.reopened = make(chan struct{})
	}
	var drained chan struct{}
	if g.inflight > 0 {
		if g.drained == nil {
			g.drained = make(chan struct{})
		}
		drained = g.drained
	}
	g.mu.Unlock()

	if drained == nil {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return neterr.Wrap(neterr.ErrCodeQuiesced, ctx.Err())
	}
}

func (g *gate) open() {
	g.mu.Lock()
	if g.closed {
		g.closed = false
		close(g.reopened)
	}
	g.mu.Unlock()
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
