// Package analytics keeps per-minute job outcome counters in Redis so that
// every process feeding the same queue database shares one view.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/domain"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

const writeTimeout = 2 * time.Second

type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
	window time.Duration
	log    logx.Logger
	errLog *rate.Limiter
	now    func() time.Time
}

func NewRedisSink(client *redis.Client, ttl time.Duration, log logx.Logger) *RedisSink {
	if ttl <= 0 {
		ttl = config.DefaultAnalyticsTTL
	}
	return &RedisSink{
		client: client,
		ttl:    ttl,
		window: time.Minute,
		log:    log.Component("analytics"),
		errLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		now:    time.Now,
	}
}

// FromConfig returns nil when no Redis address is configured.
func FromConfig(cfg config.RedisConfig, log logx.Logger) *RedisSink {
	if !cfg.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisSink(client, cfg.TTL.Std(), log)
}

func (s *RedisSink) Close() error { return s.client.Close() }

// JobFinished counts the outcome in the bucket of the job's start minute.
// Errors are logged; analytics never fails a job.
func (s *RedisSink) JobFinished(o domain.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Write(ctx, o); err != nil && s.errLog.Allow() {
		s.log.Warn("analytics write failed", logx.String("queue", o.Queue), logx.Err(err))
	}
}

func (s *RedisSink) Write(ctx context.Context, o domain.Outcome) error {
	at := o.Started
	if at.IsZero() {
		at = s.now()
	}
	key := buildKey(o.Queue, o.Label(), at, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads one bucket back.
func (s *RedisSink) Count(ctx context.Context, queue, outcome string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(queue, outcome, at, s.window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func buildKey(queue, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("sq:%s:%s:%s", queue, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
