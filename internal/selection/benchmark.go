package selection

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Shugur-Network/relaymux/internal/constants"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/socket"
	"go.uber.org/zap"
)

// BenchmarkResult is the time to open a socket to one relay, in
// milliseconds. A relay that could not be opened scores FailedBenchmark.
type BenchmarkResult struct {
	URL       string  `json:"url"`
	Benchmark float64 `json:"benchmark"`
	IsFailed  bool    `json:"isFailed"`
}

// Benchmark opens every url at once, with no concurrency cap, and measures
// how long each takes to open. Results follow the input order with
// duplicates removed. Successful measurements are saved on the relay's
// descriptor.
func (s *Selector) Benchmark(ctx context.Context, urls []string) []BenchmarkResult {
	urls = dedupe(urls)
	results := make([]BenchmarkResult, len(urls))

	opts := s.pool.SocketOptions()
	if s.cfg.BenchmarkTimeout > 0 {
		opts.OpenTimeout = s.cfg.BenchmarkTimeout
	}
	opts.PingInterval = 0

	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = s.measure(ctx, url, opts)
		}(i, url)
	}
	wg.Wait()

	now := time.Now().UnixMilli()
	for _, r := range results {
		if r.IsFailed {
			continue
		}
		d := models.RelayDescriptor{URL: models.NormalizeURL(r.URL)}
		ms := r.Benchmark
		d.Benchmark = &ms
		d.LastBenchmark = &now
		if err := s.store.Save(ctx, d); err != nil {
			s.log.Warn("failed to save benchmark", zap.String("relay", r.URL), zap.Error(err))
		}
	}
	return results
}

func (s *Selector) measure(ctx context.Context, url string, opts socket.Options) BenchmarkResult {
	start := time.Now()
	conn, err := socket.Open(ctx, url, opts)
	if err != nil {
		s.log.Debug("benchmark open failed", zap.String("relay", url), zap.Error(err))
		return BenchmarkResult{URL: url, Benchmark: constants.FailedBenchmark, IsFailed: true}
	}
	elapsed := time.Since(start)
	conn.Close()
	return BenchmarkResult{URL: url, Benchmark: math.Round(float64(elapsed.Microseconds()) / 1000)}
}

// GetFastest benchmarks urls and returns the quickest one. When every
// relay failed the winner is a failed result; ok is false only for empty
// input.
func (s *Selector) GetFastest(ctx context.Context, urls []string) (string, BenchmarkResult, bool) {
	results := s.Benchmark(ctx, urls)
	if len(results) == 0 {
		return "", BenchmarkResult{}, false
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Benchmark < best.Benchmark {
			best = r
		}
	}
	return best.URL, best, true
}

// AverageBenchmark is the mean over every result, failed ones included,
// so a single unreachable relay dominates the average.
func (s *Selector) AverageBenchmark(ctx context.Context, urls []string) float64 {
	results := s.Benchmark(ctx, urls)
	if len(results) == 0 {
		return 0
	}
	var total float64
	for _, r := range results {
		total += r.Benchmark
	}
	return total / float64(len(results))
}
