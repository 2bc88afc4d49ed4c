package ingest

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/buffer"
	"github.com/stwalsh4118/chronos/internal/logger"
)

const (
	// historyLimit bounds the dedup-by-URL history.
	historyLimit = 1000
	// jobQueueCapacity bounds the FIFO submission queue. A full queue
	// rejects the submission rather than blocking the caller.
	jobQueueCapacity = 1024
	// queueWarnFactor triggers a queue-depth warning at this multiple
	// of the worker count.
	queueWarnFactor = 4
	// avgWindow is the sample count for the rolling download averages.
	avgWindow = 50
)

// DownloadConfig holds the fetch and retry parameters.
type DownloadConfig struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	RequestTimeout time.Duration
	// MaxResumeBytes caps the partial body retained across a retry for
	// Range resumption. Larger partials are discarded.
	MaxResumeBytes int64
}

// DownloadOptions adjusts a single submission.
type DownloadOptions struct {
	// Force skips the dedup history and downloads again.
	Force bool
}

// Result reports the outcome of one download submission.
type Result struct {
	URL            string
	SequenceNumber int64
	Size           int64
	DownloadTimeMs int64
	BandwidthKbps  float64
	FromCache      bool
	Attempts       int
	Err            *DownloadError
}

// Stats is a point-in-time snapshot of downloader accounting.
type Stats struct {
	TotalSucceeded   uint64            `json:"totalSucceeded"`
	TotalFailed      uint64            `json:"totalFailed"`
	TotalFromCache   uint64            `json:"totalFromCache"`
	TotalBytes       int64             `json:"totalBytes"`
	ErrorCounts      map[string]uint64 `json:"errorCounts"`
	AvgDownloadMs    float64           `json:"avgDownloadMs"`
	AvgBandwidthKbps float64           `json:"avgBandwidthKbps"`
	Active           int               `json:"active"`
	Queued           int               `json:"queued"`
}

type historyEntry struct {
	size          int64
	durationMs    int64
	bandwidthKbps float64
	recordedAt    time.Time
}

type job struct {
	url   string
	meta  buffer.SegmentMetadata
	force bool
	done  chan Result
}

// Downloader fetches discovered segments through a bounded worker pool
// and deposits them in the buffer.
type Downloader struct {
	cfg        DownloadConfig
	cache      *buffer.SegmentBuffer
	httpClient *http.Client

	jobs     chan *job
	workers  sync.WaitGroup
	inflight sync.WaitGroup

	mu           sync.Mutex
	stopped      bool
	history      map[string]historyEntry
	historyOrder []string
	active       int
	succeeded    uint64
	failed       uint64
	fromCache    uint64
	totalBytes   int64
	errorCounts  map[string]uint64
	recentMs     [avgWindow]float64
	recentKbps   [avgWindow]float64
	recentCount  int
	recentIdx    int

	onSuccess func(Result)
	onFailure func(Result)

	randFloat func() float64
	log       zerolog.Logger
}

// NewDownloader creates a downloader and starts its worker pool.
func NewDownloader(cache *buffer.SegmentBuffer, cfg DownloadConfig) *Downloader {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	d := &Downloader{
		cfg:         cfg,
		cache:       cache,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		jobs:        make(chan *job, jobQueueCapacity),
		history:     make(map[string]historyEntry),
		errorCounts: make(map[string]uint64),
		randFloat:   rand.Float64,
		log:         logger.Component("downloader"),
	}

	for i := 0; i < cfg.MaxConcurrent; i++ {
		d.workers.Add(1)
		go d.worker()
	}

	d.log.Info().
		Int("workers", cfg.MaxConcurrent).
		Int("max_retries", cfg.MaxRetries).
		Msg("Downloader started")
	return d
}

// OnSuccess registers the callback fired after each completed download.
func (d *Downloader) OnSuccess(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSuccess = fn
}

// OnFailure registers the callback fired after each terminal failure.
func (d *Downloader) OnFailure(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailure = fn
}

// Download fetches one URL and blocks until it completes or fails
// terminally. URLs present in the dedup history return immediately
// with FromCache set unless opts.Force is given.
func (d *Downloader) Download(url string, meta buffer.SegmentMetadata, opts DownloadOptions) Result {
	jb, immediate := d.enqueue(url, meta, opts.Force)
	if immediate != nil {
		return *immediate
	}
	return <-jb.done
}

// DownloadMany fetches the given URLs, obeying the concurrency cap,
// and returns results in input order once all have settled.
func (d *Downloader) DownloadMany(urls []string, opts DownloadOptions) []Result {
	jobsOut := make([]*job, len(urls))
	results := make([]Result, len(urls))

	for i, u := range urls {
		meta := buffer.SegmentMetadata{SequenceNumber: buffer.UnknownSequence, URL: u}
		jb, immediate := d.enqueue(u, meta, opts.Force)
		if immediate != nil {
			results[i] = *immediate
			continue
		}
		jobsOut[i] = jb
	}

	for i, jb := range jobsOut {
		if jb != nil {
			results[i] = <-jb.done
		}
	}
	return results
}

// FinishPending waits for all queued and in-flight downloads to settle,
// up to timeout. Returns false if the deadline expired first.
func (d *Downloader) FinishPending(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		d.log.Warn().Dur("timeout", timeout).Msg("Pending downloads did not settle before deadline")
		return false
	}
}

// Stop drains the queue and shuts the worker pool down. Queued jobs
// still complete; new submissions fail immediately.
func (d *Downloader) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.jobs)
	d.workers.Wait()
	d.log.Debug().Msg("Downloader stopped")
}

// Stats returns a snapshot of downloader accounting.
func (d *Downloader) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		TotalSucceeded: d.succeeded,
		TotalFailed:    d.failed,
		TotalFromCache: d.fromCache,
		TotalBytes:     d.totalBytes,
		ErrorCounts:    make(map[string]uint64, len(d.errorCounts)),
		Active:         d.active,
		Queued:         len(d.jobs),
	}
	for k, v := range d.errorCounts {
		s.ErrorCounts[k] = v
	}
	if d.recentCount > 0 {
		var sumMs, sumKbps float64
		for i := 0; i < d.recentCount; i++ {
			sumMs += d.recentMs[i]
			sumKbps += d.recentKbps[i]
		}
		s.AvgDownloadMs = sumMs / float64(d.recentCount)
		s.AvgBandwidthKbps = sumKbps / float64(d.recentCount)
	}
	return s
}

// enqueue submits a job to the pool. Returns either the queued job or
// an immediate result for dedup hits, rejected submissions, and a
// stopped pool.
func (d *Downloader) enqueue(url string, meta buffer.SegmentMetadata, force bool) (*job, *Result) {
	if url == "" {
		return nil, &Result{Err: NewDownloadError(CategoryContent, 0, "empty URL", nil)}
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, &Result{URL: url, Err: NewDownloadError(CategoryUnknown, 0, "downloader stopped", nil)}
	}

	if !force {
		if entry, ok := d.history[url]; ok {
			d.fromCache++
			d.mu.Unlock()
			return nil, &Result{
				URL:            url,
				SequenceNumber: meta.SequenceNumber,
				Size:           entry.size,
				DownloadTimeMs: entry.durationMs,
				BandwidthKbps:  entry.bandwidthKbps,
				FromCache:      true,
			}
		}
	}

	if depth := len(d.jobs); depth >= queueWarnFactor*d.cfg.MaxConcurrent {
		d.log.Warn().
			Int("queued", depth).
			Int("workers", d.cfg.MaxConcurrent).
			Msg("Download queue depth high")
	}

	jb := &job{url: url, meta: meta, force: force, done: make(chan Result, 1)}
	select {
	case d.jobs <- jb:
		d.inflight.Add(1)
		d.mu.Unlock()
		return jb, nil
	default:
		d.mu.Unlock()
		return nil, &Result{URL: url, Err: NewDownloadError(CategoryUnknown, 0, "download queue full", nil)}
	}
}

func (d *Downloader) worker() {
	defer d.workers.Done()
	for jb := range d.jobs {
		res := d.execute(jb)
		jb.done <- res
		d.inflight.Done()
	}
}

// execute runs the full retry protocol for one job.
func (d *Downloader) execute(jb *job) Result {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	res := Result{URL: jb.url, SequenceNumber: jb.meta.SequenceNumber}
	start := time.Now()

	var partial []byte
	var lastErr *DownloadError
	maxAttempts := d.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(d.retryDelay(attempt - 1))
		}
		res.Attempts = attempt

		data, derr := d.fetchOnce(jb.url, &partial)
		if derr == nil {
			elapsed := time.Since(start)
			res.Size = int64(len(data))
			res.DownloadTimeMs = elapsed.Milliseconds()
			if res.DownloadTimeMs < 1 {
				res.DownloadTimeMs = 1
			}
			res.BandwidthKbps = float64(res.Size) * 8 / float64(res.DownloadTimeMs)

			if _, err := d.cache.Add(data, jb.meta); err != nil {
				lastErr = NewDownloadError(CategoryContent, 0, "buffer rejected payload", err)
				break
			}
			d.recordSuccess(res)
			return res
		}

		lastErr = derr
		d.log.Warn().
			Err(derr).
			Str("url", jb.url).
			Int("attempt", attempt).
			Int("partial_bytes", len(partial)).
			Msg("Segment download attempt failed")

		if !derr.Retryable() {
			break
		}
	}

	res.Err = lastErr
	d.recordFailure(res)
	return res
}

// fetchOnce performs a single HTTP attempt. A non-empty *partial is
// resumed with a Range request: a 206 response is appended to it, a
// 200 response replaces it. On failure the retained partial (capped at
// MaxResumeBytes) is left in *partial for the next attempt.
func (d *Downloader) fetchOnce(url string, partial *[]byte) ([]byte, *DownloadError) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, NewDownloadError(CategoryContent, 0, "invalid URL", err)
	}
	resumeFrom := int64(len(*partial))
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus(resp.StatusCode)
	}

	body, readErr := io.ReadAll(resp.Body)

	var data []byte
	if resp.StatusCode == http.StatusPartialContent && resumeFrom > 0 {
		data = append(append([]byte{}, *partial...), body...)
	} else {
		data = body
	}

	if readErr != nil {
		if int64(len(data)) <= d.cfg.MaxResumeBytes {
			*partial = data
		} else {
			*partial = nil
		}
		return nil, ClassifyError(readErr)
	}

	*partial = nil
	if len(data) == 0 {
		return nil, NewDownloadError(CategoryContent, resp.StatusCode, "empty response body", nil)
	}
	return data, nil
}

// retryDelay computes the backoff before the given retry (1-based):
// min(maxRetryDelay, base * 2^(retry-1) + jitter), jitter in
// [0, 0.3*exponential).
func (d *Downloader) retryDelay(retry int) time.Duration {
	exp := float64(d.cfg.RetryBaseDelay) * math.Pow(2, float64(retry-1))
	delay := time.Duration(exp + d.randFloat()*0.3*exp)
	if delay > d.cfg.MaxRetryDelay {
		delay = d.cfg.MaxRetryDelay
	}
	return delay
}

func (d *Downloader) recordSuccess(res Result) {
	d.mu.Lock()
	d.succeeded++
	d.totalBytes += res.Size
	if _, exists := d.history[res.URL]; !exists {
		d.historyOrder = append(d.historyOrder, res.URL)
	}
	d.history[res.URL] = historyEntry{
		size:          res.Size,
		durationMs:    res.DownloadTimeMs,
		bandwidthKbps: res.BandwidthKbps,
		recordedAt:    time.Now(),
	}
	for len(d.historyOrder) > historyLimit {
		oldest := d.historyOrder[0]
		d.historyOrder = d.historyOrder[1:]
		delete(d.history, oldest)
	}
	d.recentMs[d.recentIdx] = float64(res.DownloadTimeMs)
	d.recentKbps[d.recentIdx] = res.BandwidthKbps
	d.recentIdx = (d.recentIdx + 1) % avgWindow
	if d.recentCount < avgWindow {
		d.recentCount++
	}
	successCb := d.onSuccess
	d.mu.Unlock()

	d.log.Debug().
		Str("url", res.URL).
		Int64("sequence", res.SequenceNumber).
		Int64("bytes", res.Size).
		Int64("duration_ms", res.DownloadTimeMs).
		Msg("Segment downloaded")

	if successCb != nil {
		successCb(res)
	}
}

func (d *Downloader) recordFailure(res Result) {
	category := CategoryUnknown.String()
	if res.Err != nil {
		category = res.Err.Category.String()
	}

	d.mu.Lock()
	d.failed++
	d.errorCounts[category]++
	failureCb := d.onFailure
	d.mu.Unlock()

	d.log.Error().
		Err(res.Err).
		Str("url", res.URL).
		Str("category", category).
		Int("attempts", res.Attempts).
		Msg("Segment download failed")

	if failureCb != nil {
		failureCb(res)
	}
}
