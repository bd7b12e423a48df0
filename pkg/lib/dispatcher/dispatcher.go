package dispatcher

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Rand is the source of pseudo-random draws. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config is the part of the Run Configuration the dispatcher needs.
type Config struct {
	Seed           int64
	Shots          int
	Cooldown       time.Duration
	RandomLimit    int
	RequestTimeout time.Duration
	Endpoints      []string
}

// Shot is the outcome of one dispatched request.
type Shot struct {
	Seq        int
	Index      int
	Endpoint   string
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Summary describes a finished (or interrupted) dispatch loop.
type Summary struct {
	Fired    int
	Failed   int
	Hits     []int
	Sequence []int
	Elapsed  time.Duration
}

// Dispatcher fires Shots requests at endpoints chosen by a seeded
// generator, one at a time, pausing Cooldown after each.
type Dispatcher struct {
	cfg       Config
	endpoints []string
	rng       Rand
	client    Doer
	sleep     func(ctx context.Context, d time.Duration) error
	observer  func(Shot)
	logger    *zap.Logger

	fired atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRand replaces the generator seeded from Config.Seed.
func WithRand(r Rand) Option {
	return func(d *Dispatcher) { d.rng = r }
}

// WithDoer replaces the HTTP client.
func WithDoer(c Doer) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithSleep replaces the cooldown sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithObserver registers a callback invoked after every shot.
func WithObserver(fn func(Shot)) Option {
	return func(d *Dispatcher) { d.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New validates cfg and builds a Dispatcher. Without WithRand the generator
// is seeded once, here, from cfg.Seed.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.Shots < 0 {
		return nil, errors.Errorf("shots must be >= 0: %d", cfg.Shots)
	}
	if cfg.RandomLimit <= 0 {
		return nil, errors.Errorf("random limit must be > 0: %d", cfg.RandomLimit)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}

	d := &Dispatcher{
		cfg:       cfg,
		endpoints: make([]string, len(cfg.Endpoints)),
		sleep:     Sleep,
		logger:    zap.NewNop(),
	}
	for i, e := range cfg.Endpoints {
		d.endpoints[i] = EndpointURL(e)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(cfg.Seed))
	}
	if d.client == nil {
		d.client = NewHTTPClient(cfg.RequestTimeout)
	}
	return d, nil
}

// EndpointURL turns an address such as "localhost:8080/api/v1/maps" into a
// requestable URL, defaulting the scheme to http.
func EndpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "http://" + endpoint
}

// Endpoints returns the request URLs in selection order.
func (d *Dispatcher) Endpoints() []string {
	return append([]string(nil), d.endpoints...)
}

// Fired returns how many shots were fired so far. Safe for concurrent use.
func (d *Dispatcher) Fired() int {
	return int(d.fired.Load())
}

// Next draws the index of the next endpoint.
func (d *Dispatcher) Next() int {
	r := d.rng.Intn(d.cfg.RandomLimit)
	return r % len(d.endpoints)
}

// Dispatch performs exactly Shots iterations unless ctx is cancelled, in
// which case it stops between shots and returns the partial summary with
// the context error. Failed requests are counted as fired and never retried.
func (d *Dispatcher) Dispatch(ctx context.Context) (summary Summary, err error) {
	summary = Summary{
		Hits:     make([]int, len(d.endpoints)),
		Sequence: make([]int, 0, d.cfg.Shots),
	}
	start := time.Now()
	defer func() { summary.Elapsed = time.Since(start) }()

	d.logger.Info("start shooting",
		zap.Int("shots", d.cfg.Shots),
		zap.Duration("cooldown", d.cfg.Cooldown),
		zap.Strings("endpoints", d.endpoints))

	for seq := 0; seq < d.cfg.Shots; seq++ {
		if ctx.Err() != nil {
			return summary, errors.Trace(ctx.Err())
		}

		idx := d.Next()
		shot := d.fire(ctx, seq, idx)

		d.fired.Inc()
		summary.Fired++
		summary.Hits[idx]++
		summary.Sequence = append(summary.Sequence, idx)
		if shot.Err != nil {
			summary.Failed++
			d.logger.Debug("shot failed", zap.Int("seq", seq), zap.String("endpoint", shot.Endpoint), zap.Error(shot.Err))
		}
		if d.observer != nil {
			d.observer(shot)
		}

		if sleepErr := d.sleep(ctx, d.cfg.Cooldown); sleepErr != nil {
			return summary, errors.Trace(sleepErr)
		}
	}

	d.logger.Info("shooting complete",
		zap.Int("fired", summary.Fired),
		zap.Int("failed", summary.Failed),
		zap.Ints("hits", summary.Hits))
	return summary, nil
}

func (d *Dispatcher) fire(ctx context.Context, seq, idx int) (shot Shot) {
	url := d.endpoints[idx]
	shot = Shot{Seq: seq, Index: idx, Endpoint: url}

	reqCtx := ctx
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { shot.Latency = time.Since(start) }()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		shot.Err = &lib.RequestError{URL: url, Err: err}
		return shot
	}
	resp, err := d.client.Do(req)
	if err != nil {
		shot.Err = &lib.RequestError{URL: url, Err: err}
		return shot
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	shot.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		shot.Err = &lib.RequestError{URL: url, StatusCode: resp.StatusCode}
	}
	return shot
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
