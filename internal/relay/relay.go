package relay

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/streamrelay/internal/config"
	"github.com/howard-nolan/streamrelay/internal/logging"
	"github.com/howard-nolan/streamrelay/internal/metrics"
	"github.com/howard-nolan/streamrelay/internal/provider"
)

// ExhaustedError is returned when every attempt failed. It wraps the error
// from the last attempt.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d relay attempts failed (%.1fs): %v", e.Attempts, e.Elapsed.Seconds(), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Relay drives the streaming collector through a bounded retry loop.
//
// Each attempt is self-contained: a new client from the factory, a new
// call spec from the pristine request body, and a collector call whose
// result is either complete or discarded. The only state carried between
// attempts is the attempt counter and the last error.
type Relay struct {
	factory   *provider.Factory
	collector provider.Collector
	retries   int
	delay     time.Duration
	log       logrus.FieldLogger
	metrics   *metrics.Collector

	// sleep waits between attempts. It returns early with ctx's error when
	// the caller goes away.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Relay. m may be nil.
func New(factory *provider.Factory, collector provider.Collector, cfg config.RelayConfig, log logrus.FieldLogger, m *metrics.Collector) *Relay {
	return &Relay{
		factory:   factory,
		collector: collector,
		retries:   cfg.Retries,
		delay:     cfg.RetryDelay,
		log:       log,
		metrics:   m,
		sleep:     sleepCtx,
	}
}

// retryState is the per-request bookkeeping of the retry loop. It lives
// for one call to Do.
type retryState struct {
	attempt int // completed attempts
	lastErr error
	start   time.Time
}

func (s *retryState) elapsed() time.Duration { return time.Since(s.start) }

// Do runs up to the configured number of attempts and returns the first
// complete result.
//
// Failures:
//   - every attempt failed: *ExhaustedError wrapping the last error
//   - ctx was cancelled (caller disconnected): ctx's error, with no
//     further attempts started
//
// The delay between attempts only parks this goroutine; other requests
// keep being served.
func (rl *Relay) Do(ctx context.Context, req *Request) (*provider.CollectedResult, error) {
	log := rl.log.WithFields(logrus.Fields{
		"request_id": logging.RequestID(ctx),
		"model":      req.Model,
		"stream":     req.WantStream,
		"upstream":   rl.collector.Name(),
	})
	log.Info("relaying")

	state := retryState{start: time.Now()}
	for {
		res, err := rl.attempt(ctx, req)
		if err == nil {
			rl.metrics.Attempt(true)
			rl.succeeded(log, &state, req, res)
			return res, nil
		}

		rl.metrics.Attempt(false)
		state.attempt++
		state.lastErr = err

		entry := log.WithFields(logrus.Fields{
			"attempt":      state.attempt,
			"max_attempts": rl.retries,
			"elapsed_ms":   logging.DurationMS(state.elapsed()),
			"error_type":   fmt.Sprintf("%T", err),
		}).WithError(err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			entry.Warn("caller went away, abandoning relay")
			rl.metrics.Request(req.WantStream, metrics.StatusCanceled, state.elapsed())
			return nil, ctxErr
		}

		if state.attempt >= rl.retries {
			entry.Error("all relay attempts failed")
			rl.metrics.Request(req.WantStream, metrics.StatusExhausted, state.elapsed())
			return nil, &ExhaustedError{Attempts: state.attempt, Elapsed: state.elapsed(), Err: state.lastErr}
		}

		entry.WithField("retry_in", rl.delay.String()).Warn("relay attempt failed, retrying")
		if err := rl.sleep(ctx, rl.delay); err != nil {
			log.WithError(err).Warn("caller went away during retry delay")
			rl.metrics.Request(req.WantStream, metrics.StatusCanceled, state.elapsed())
			return nil, err
		}
	}
}

// attempt is one complete, independent upstream call cycle.
func (rl *Relay) attempt(ctx context.Context, req *Request) (*provider.CollectedResult, error) {
	spec, err := req.CallSpec()
	if err != nil {
		return nil, err
	}

	client, err := rl.factory.New()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return rl.collector.Collect(ctx, client, spec)
}

func (rl *Relay) succeeded(log *logrus.Entry, state *retryState, req *Request, res *provider.CollectedResult) {
	log.WithFields(logrus.Fields{
		"attempt":      state.attempt + 1,
		"max_attempts": rl.retries,
		"elapsed_ms":   logging.DurationMS(state.elapsed()),
		"chars":        utf8.RuneCountInString(res.Text),
	}).Info("relay ok")

	if res.Usage != nil {
		rl.metrics.Tokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	}
	rl.metrics.Request(req.WantStream, metrics.StatusOK, state.elapsed())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
