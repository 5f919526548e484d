package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrPoolExhausted is returned when no connection could be acquired before the
// acquire timeout elapsed.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Queryable is the read surface handed to warehouse queries.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// RetryPolicy is an exponential schedule: Attempts tries in total, waiting
// Delay, Delay*Multiplier, ... between them.
type RetryPolicy struct {
	Attempts   uint64
	Delay      time.Duration
	Multiplier float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second, Multiplier: 2}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := uint64(0)
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// IsRetryable reports whether err is a transient connectivity failure. SQL
// errors raised by the server are never retried, except for connection-level
// refusals.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300", "57P01", "57P03": // too_many_connections, admin_shutdown, cannot_connect_now
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// Retry runs op until it succeeds, returns a non-retryable error, or the policy
// is spent.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy.backOff(ctx), func(err error, wait time.Duration) {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Int("attempt", attempt).
			Uint64("max_attempts", policy.Attempts).
			Dur("wait", wait).
			Msg("warehouse query failed, retrying")
	})
}

// Reader runs read-only work against the pool with a bounded acquire wait and
// the retry policy applied.
type Reader struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	policy         RetryPolicy
}

func NewReader(pool *pgxpool.Pool, acquireTimeout time.Duration, policy RetryPolicy) *Reader {
	return &Reader{pool: pool, acquireTimeout: acquireTimeout, policy: policy}
}

// Do acquires a connection and hands it to fn. A failed acquire inside the
// timeout is reported as ErrPoolExhausted so that it is retried.
func (r *Reader) Do(ctx context.Context, fn func(ctx context.Context, q Queryable) error) error {
	return Retry(ctx, r.policy, func(ctx context.Context) error {
		acquireCtx := ctx
		if r.acquireTimeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
			defer cancel()
		}

		conn, err := r.pool.Acquire(acquireCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("acquire after %s: %w", r.acquireTimeout, ErrPoolExhausted)
			}
			return fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Release()

		return fn(ctx, conn)
	})
}
