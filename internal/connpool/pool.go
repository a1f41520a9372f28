// Package connpool runs one-shot operations against many relays with a
// bounded number of simultaneously open sockets.
package connpool

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/domain"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"go.uber.org/zap"
)

// ErrNoResult lets an operation report success without a value. The relay
// counts as reached but nothing is added to the results.
var ErrNoResult = stderrors.New("no result")

// Opener dials a relay. socket.Open is the production opener.
type Opener func(ctx context.Context, url string, opts socket.Options) (*socket.Conn, error)

// Pool holds the defaults shared by every ExecuteConcurrently call.
type Pool struct {
	sockOpts       socket.Options
	recorder       domain.OutcomeRecorder
	maxConcurrency int
	timeout        time.Duration
	open           Opener
	log            *zap.Logger
}

// New builds a pool from the pool config. recorder may be nil.
func New(cfg config.PoolConfig, recorder domain.OutcomeRecorder) *Pool {
	p := &Pool{
		sockOpts:       socket.OptionsFromConfig(cfg),
		recorder:       recorder,
		maxConcurrency: cfg.MaxConcurrency,
		timeout:        cfg.OpTimeout,
		open:           socket.Open,
		log:            logger.New("connpool"),
	}
	if p.maxConcurrency <= 0 {
		p.maxConcurrency = constants.DefaultMaxConcurrency
	}
	if p.timeout <= 0 {
		p.timeout = constants.DefaultOpTimeout
	}
	return p
}

// WithOpener swaps the dialer, for tests.
func (p *Pool) WithOpener(o Opener) *Pool {
	p.open = o
	return p
}

// SocketOptions returns the options every pool socket is opened with.
func (p *Pool) SocketOptions() socket.Options { return p.sockOpts }

// MaxConcurrency is the default socket cap.
func (p *Pool) MaxConcurrency() int { return p.maxConcurrency }

type execOptions struct {
	timeout    time.Duration
	onProgress func(remaining int)
	max        int
}

// Option tunes a single ExecuteConcurrently call.
type Option func(*execOptions)

// WithTimeout bounds each operation, dial included.
func WithTimeout(d time.Duration) Option { return func(o *execOptions) { o.timeout = d } }

// WithProgress is called before each batch with the number of relays not
// yet started.
func WithProgress(fn func(remaining int)) Option {
	return func(o *execOptions) { o.onProgress = fn }
}

// WithMaxConcurrency overrides the socket cap.
func WithMaxConcurrency(n int) Option { return func(o *execOptions) { o.max = n } }

// ExecuteConcurrently opens a socket per URL, runs op on it and closes it.
// URLs are taken in batches of at most max, and a batch finishes before
// the next starts, so no more than max sockets are ever open. Failures are
// logged and recorded against the relay, then swallowed. Errors and nil
// results are left out, and the order of the results is not defined.
func ExecuteConcurrently[T any](
	ctx context.Context,
	p *Pool,
	urls []string,
	op func(ctx context.Context, c *socket.Conn) (T, error),
	opts ...Option,
) []T {
	o := execOptions{timeout: p.timeout, max: p.maxConcurrency}
	for _, apply := range opts {
		apply(&o)
	}
	if o.max <= 0 {
		o.max = constants.DefaultMaxConcurrency
	}

	queue := append([]string(nil), urls...)
	var (
		mu      sync.Mutex
		results = make([]T, 0, len(queue))
	)

	for len(queue) > 0 {
		if ctx.Err() != nil {
			break
		}
		if o.onProgress != nil {
			o.onProgress(len(queue))
		}

		n := min(o.max, len(queue))
		batch := queue[:n]
		queue = queue[n:]

		var wg sync.WaitGroup
		for _, url := range batch {
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				v, ok := runOne(ctx, p, url, o.timeout, op)
				if !ok {
					return
				}
				mu.Lock()
				results = append(results, v)
				mu.Unlock()
			}(url)
		}
		wg.Wait()
	}
	return results
}

// runOne is a single relay's share of ExecuteConcurrently.
func runOne[T any](
	ctx context.Context,
	p *Pool,
	url string,
	timeout time.Duration,
	op func(ctx context.Context, c *socket.Conn) (T, error),
) (T, bool) {
	var zero T
	start := time.Now()
	metrics.PoolInFlight.Inc()
	defer func() {
		metrics.PoolInFlight.Dec()
		metrics.PoolOpDuration.Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.open(opCtx, url, p.sockOpts)
	if err != nil {
		p.fail(ctx, url, "failure", err)
		return zero, false
	}
	defer conn.Close()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(opCtx, conn)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && !stderrors.Is(out.err, ErrNoResult) {
			p.fail(ctx, url, "failure", out.err)
			return zero, false
		}
		p.succeed(ctx, url)
		if out.err != nil || isNil(out.v) {
			return zero, false
		}
		return out.v, true
	case <-opCtx.Done():
		p.fail(ctx, url, "timeout", opCtx.Err())
		return zero, false
	}
}

func (p *Pool) succeed(ctx context.Context, url string) {
	metrics.PoolOps.WithLabelValues("success").Inc()
	if p.recorder == nil {
		return
	}
	if err := p.recorder.IncrementSuccess(context.WithoutCancel(ctx), url); err != nil {
		p.log.Warn("failed to record relay success", zap.String("relay", url), zap.Error(err))
	}
}

func (p *Pool) fail(ctx context.Context, url, result string, cause error) {
	metrics.PoolOps.WithLabelValues(result).Inc()
	p.log.Debug("relay operation failed",
		zap.String("relay", url),
		zap.String("result", result),
		zap.Error(cause))
	if p.recorder == nil {
		return
	}
	if err := p.recorder.IncrementFailure(context.WithoutCancel(ctx), url); err != nil {
		p.log.Warn("failed to record relay failure", zap.String("relay", url), zap.Error(err))
	}
}

// isNil reports typed nils: nil pointers, maps, slices, channels, funcs and
// interfaces.
func isNil[T any](v T) bool {
	rv := reflect.ValueOf(&v).Elem()
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
