package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/client"
	"github.com/Sternrassler/ilincs-freeze/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch retrieval.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_batches_total",
		Help: "Total signature batches by outcome (succeeded, abandoned, cancelled)",
	}, []string{"outcome"})

	batchAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilincs_batch_attempts_total",
		Help: "Total signature download attempts",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ilincs_batch_duration_seconds",
		Help:    "Time to finish a batch including retries and backoff",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	signatureRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilincs_signature_records_total",
		Help: "Total signature records added to the aggregate",
	})
)

// SignatureFetcher performs a single download attempt for one batch.
// *client.Client implements it.
type SignatureFetcher interface {
	DownloadSignatures(ctx context.Context, req client.DownloadRequest) ([]client.Record, error)
}

// CachingFetcher is a SignatureFetcher that reports whether a download was
// served from a response cache. The retriever prefers FetchSignatures when
// the fetcher implements it, and counts cached batches in Stats.
type CachingFetcher interface {
	SignatureFetcher
	FetchSignatures(ctx context.Context, req client.DownloadRequest) ([]client.Record, bool, error)
}

// Options configures a Retriever.
type Options struct {
	// TopN is sent as noOfTopGenes.
	TopN int

	// Display is sent as the display flag.
	Display bool

	// BatchSize is the number of identifiers per request.
	BatchSize int

	// Retries is the number of attempts per batch, including the first.
	Retries int

	// Timeout bounds each attempt.
	Timeout time.Duration

	// BackoffUnit is the wait after the first failed attempt. The wait after
	// failed attempt k (0-based) is BackoffUnit * 2^k.
	BackoffUnit time.Duration

	// Concurrency is the number of batches in flight. 1 processes batches
	// strictly in order.
	Concurrency int

	// RetryMalformed retries 2xx responses whose body could not be decoded.
	RetryMalformed bool

	// Sleep replaces the backoff timer (for testing).
	Sleep client.SleepFunc
}

// DefaultOptions returns the reference retrieval settings for topN genes.
func DefaultOptions(topN int, display bool) Options {
	return Options{
		TopN:           topN,
		Display:        display,
		BatchSize:      10,
		Retries:        10,
		Timeout:        300 * time.Second,
		BackoffUnit:    time.Second,
		Concurrency:    1,
		RetryMalformed: true,
	}
}

// Validate checks the option bounds.
func (o Options) Validate() error {
	if o.TopN < 1 {
		return fmt.Errorf("top n must be >= 1 (got %d)", o.TopN)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1 (got %d)", o.BatchSize)
	}
	if o.Retries < 1 {
		return fmt.Errorf("retries must be >= 1 (got %d)", o.Retries)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0 (got %v)", o.Timeout)
	}
	if o.BackoffUnit < 0 {
		return fmt.Errorf("backoff unit must not be negative (got %v)", o.BackoffUnit)
	}
	if o.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", o.Concurrency)
	}
	return nil
}

// Stats summarizes the last Retrieve call.
type Stats struct {
	Batches   int           `json:"batches"`
	Succeeded int           `json:"succeeded"`
	Abandoned int           `json:"abandoned"`
	Attempts  int           `json:"attempts"`
	Waits     int           `json:"waits"`
	Backoff   time.Duration `json:"backoff_ns"`
	Records   int           `json:"records"`

	// Cached counts succeeded batches served from the response cache
	// rather than downloaded during this call.
	Cached int `json:"cached"`
}

// Retriever downloads signature vectors batch by batch.
type Retriever struct {
	fetcher SignatureFetcher
	opts    Options
	logger  zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRetriever creates a retriever. It fails on invalid options.
func NewRetriever(fetcher SignatureFetcher, opts Options) (*Retriever, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch options: %w", err)
	}
	return &Retriever{
		fetcher: fetcher,
		opts:    opts,
		logger:  logging.NewLogger("batch-retriever"),
	}, nil
}

// Stats returns the counters of the last completed Retrieve call.
func (r *Retriever) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Partition splits ids into consecutive batches of at most size identifiers.
// Order is preserved and only the last batch may be smaller.
func Partition(ids []string, size int) [][]string {
	if size < 1 || len(ids) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end:end])
	}
	return batches
}

// batchResult is the private outcome of one batch.
type batchResult struct {
	done      bool
	succeeded bool
	cached    bool
	records   *Aggregate
	attempts  int
	waits     int
	backoff   time.Duration
}

// Retrieve downloads the signature vectors for ids. Batches that fail every
// attempt are skipped; the returned aggregate holds everything that was
// retrieved. An error is returned only when ctx is cancelled, together with
// the partial aggregate.
func (r *Retriever) Retrieve(ctx context.Context, ids []string) (*Aggregate, error) {
	start := time.Now()
	batches := Partition(ids, r.opts.BatchSize)
	agg := NewAggregate()

	if len(batches) == 0 {
		r.setStats(Stats{})
		r.logger.Info().Msg("No signature IDs to retrieve")
		return agg, nil
	}

	r.logger.Info().
		Int("ids", len(ids)).
		Int("batches", len(batches)).
		Int("batch_size", r.opts.BatchSize).
		Int("concurrency", r.opts.Concurrency).
		Msg("Starting batch retrieval")

	results := make([]batchResult, len(batches))
	queue := make(chan int, len(batches))
	for i := range batches {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	workers := min(r.opts.Concurrency, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go r.worker(ctx, batches, queue, results, &wg, w)
	}
	wg.Wait()

	stats := Stats{Batches: len(batches)}
	for _, res := range results {
		stats.Attempts += res.attempts
		stats.Waits += res.waits
		stats.Backoff += res.backoff
		switch {
		case res.succeeded:
			stats.Succeeded++
			if res.cached {
				stats.Cached++
			}
			agg.Merge(res.records)
		case res.done:
			stats.Abandoned++
		}
	}
	stats.Records = agg.Count()
	r.setStats(stats)

	if err := ctx.Err(); err != nil {
		r.logger.Warn().
			Int("succeeded", stats.Succeeded).
			Int("batches", stats.Batches).
			Msg("Batch retrieval cancelled")
		return agg, fmt.Errorf("retrieval cancelled after %d of %d batches: %w",
			stats.Succeeded+stats.Abandoned, stats.Batches, err)
	}

	r.logger.Info().
		Int("batches", stats.Batches).
		Int("succeeded", stats.Succeeded).
		Int("abandoned", stats.Abandoned).
		Int("cached", stats.Cached).
		Int("attempts", stats.Attempts).
		Int("signatures", agg.Len()).
		Int("records", agg.Count()).
		Dur("duration", time.Since(start)).
		Msg("Batch retrieval complete")

	return agg, nil
}

// worker processes batch indexes from the queue.
func (r *Retriever) worker(ctx context.Context, batches [][]string, queue <-chan int, results []batchResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for index := range queue {
		if ctx.Err() != nil {
			r.logger.Debug().
				Int("worker_id", workerID).
				Int("batches_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}
		results[index] = r.retrieveBatch(ctx, index, batches[index])
		processed++
	}
}

// retrieveBatch runs the attempts of one batch.
func (r *Retriever) retrieveBatch(ctx context.Context, index int, ids []string) batchResult {
	start := time.Now()
	batchNo := index + 1
	req := client.DownloadRequest{IDs: ids, TopN: r.opts.TopN, Display: r.opts.Display}

	var res batchResult
	sleep := r.opts.Sleep
	if sleep == nil {
		sleep = client.SleepContext
	}
	policy := client.RetryPolicy{
		MaxAttempts:    r.opts.Retries,
		BackoffUnit:    r.opts.BackoffUnit,
		RetryMalformed: r.opts.RetryMalformed,
		Sleep: func(ctx context.Context, d time.Duration) error {
			res.waits++
			res.backoff += d
			return sleep(ctx, d)
		},
	}

	caching, _ := r.fetcher.(CachingFetcher)

	var items []client.Record
	err := client.Retry(ctx, policy, func(attempt int) error {
		res.attempts++
		batchAttemptsTotal.Inc()

		r.logger.Info().
			Int("batch", batchNo).
			Int("attempt", attempt+1).
			Int("size", len(ids)).
			Msg("Requesting batch")

		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		var (
			out    []client.Record
			cached bool
			err    error
		)
		if caching != nil {
			out, cached, err = caching.FetchSignatures(attemptCtx, req)
		} else {
			out, err = r.fetcher.DownloadSignatures(attemptCtx, req)
		}
		if err != nil {
			class := client.ClassOf(err)
			if class == "" {
				class = "unknown"
			}
			event := r.logger.Warn().
				Err(err).
				Int("batch", batchNo).
				Int("attempt", attempt+1).
				Str("error_class", string(class))
			retryable := class != client.ErrorClassMalformed || r.opts.RetryMalformed
			if retryable && attempt+1 < r.opts.Retries {
				event = event.Dur("backoff", policy.Backoff(attempt))
			}
			event.Msg("Batch attempt failed")
			return err
		}
		items = out
		res.cached = cached
		return nil
	})
	batchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, client.ErrContextCancelled) {
			batchesTotal.WithLabelValues("cancelled").Inc()
			r.logger.Debug().Int("batch", batchNo).Msg("Batch cancelled")
			return res
		}
		res.done = true
		batchesTotal.WithLabelValues("abandoned").Inc()
		r.logger.Error().
			Err(err).
			Int("batch", batchNo).
			Int("attempts", res.attempts).
			Strs("ids", ids).
			Msg("Batch abandoned")
		return res
	}

	res.done = true
	res.succeeded = true
	res.records = NewAggregate()
	for _, item := range items {
		if err := res.records.Append(item); err != nil {
			r.logger.Warn().Err(err).Int("batch", batchNo).Msg("Skipping record")
		}
	}
	batchesTotal.WithLabelValues("succeeded").Inc()
	signatureRecordsTotal.Add(float64(res.records.Count()))

	r.logger.Info().
		Int("batch", batchNo).
		Int("attempts", res.attempts).
		Int("records", res.records.Count()).
		Bool("cached", res.cached).
		Msg("Batch retrieved")
	return res
}

func (r *Retriever) setStats(s Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}
