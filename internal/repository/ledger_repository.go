package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/skyfield-eo/granulepush/internal/backoff"
	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/go-redis/redis/v8"
)

// ErrReservationNotFound means the reservation never existed (or its release
// tombstone has expired). A genuinely-first release seeing this is a failure
// that must not be masked.
var ErrReservationNotFound = errors.New("reservation not found")

type LedgerRepository interface {
	// Create seeds a reservation. Called by the upstream borrow stage; here it
	// also backs tests and the admin CLI.
	Create(ctx context.Context, res domain.Reservation) error
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	// Release retires the reservation and credits its seats back to the
	// dataset and floating pools in one atomic step. Re-entry after a
	// successful release returns AlreadyReleased, still a success.
	Release(ctx context.Context, id string) (*domain.ReleaseResult, error)
	// ForceClear retires a stuck reservation WITHOUT crediting pools.
	// Operator remediation only.
	ForceClear(ctx context.Context, id string) error
	PoolBalance(ctx context.Context, dataset string) (datasetSeats, floatingSeats int, err error)
}

type ledgerRedisRepo struct {
	rdb            *redis.Client
	prefix         string
	tombstoneTTL   time.Duration
	retryAttempts  int
	retryPolicy    string
	retryBase      time.Duration
	retryMax       time.Duration
	rng            *rand.Rand
	sleep          func(context.Context, time.Duration) error
}

type LedgerOptions struct {
	TombstoneTTL  time.Duration
	RetryAttempts int
	RetryPolicy   string
	RetryBase     time.Duration
	RetryMax      time.Duration
}

func NewLedgerRepository(rdb *redis.Client, prefix string, opts LedgerOptions) LedgerRepository {
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 7 * 24 * time.Hour
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryPolicy == "" {
		opts.RetryPolicy = backoff.PolicyExpFullJitter
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	return &ledgerRedisRepo{
		rdb:           rdb,
		prefix:        prefix,
		tombstoneTTL:  opts.TombstoneTTL,
		retryAttempts: opts.RetryAttempts,
		retryPolicy:   opts.RetryPolicy,
		retryBase:     opts.RetryBase,
		retryMax:      opts.RetryMax,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:         sleepCtx,
	}
}

// ===== Keys =====

func (r *ledgerRedisRepo) keyReservation(id string) string {
	return fmt.Sprintf("granulepush:%s:res:%s", r.prefix, id)
}
func (r *ledgerRedisRepo) keyTombstone(id string) string {
	return fmt.Sprintf("granulepush:%s:res:%s:done", r.prefix, id)
}
func (r *ledgerRedisRepo) keyDatasetPool(dataset string) string {
	return fmt.Sprintf("granulepush:%s:pool:%s", r.prefix, dataset)
}
func (r *ledgerRedisRepo) keyFloatingPool() string {
	return fmt.Sprintf("granulepush:%s:pool:floating", r.prefix)
}

// releaseScript is the single linearization point of the whole array job.
// Outcome codes: 1 released now, 2 already released, 0 not found.
var releaseScript = redis.NewScript(`
local res = KEYS[1]
local done = KEYS[2]
local dspool = KEYS[3]
local flpool = KEYS[4]
local ttl = tonumber(ARGV[1])

if redis.call("EXISTS", res) == 1 then
  local ds = tonumber(redis.call("HGET", res, "dataset_seats")) or 0
  local fl = tonumber(redis.call("HGET", res, "floating_seats")) or 0
  if ds > 0 then redis.call("INCRBY", dspool, ds) end
  if fl > 0 then redis.call("INCRBY", flpool, fl) end
  redis.call("DEL", res)
  redis.call("SET", done, "1", "EX", ttl)
  return {1, ds, fl}
end
if redis.call("EXISTS", done) == 1 then
  return {2, 0, 0}
end
return {0, 0, 0}
`)

func (r *ledgerRedisRepo) Create(ctx context.Context, res domain.Reservation) error {
	if res.ID == "" {
		return errors.New("empty reservation id")
	}
	created := res.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	err := r.rdb.HSet(ctx, r.keyReservation(res.ID), map[string]interface{}{
		"dataset":        res.Dataset,
		"dataset_seats":  res.DatasetSeats,
		"floating_seats": res.FloatingSeats,
		"state":          string(domain.ReservationActive),
		"created_at":     created.Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis HSET reservation: %w", err)
	}
	return nil
}

func (r *ledgerRedisRepo) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	vals, err := r.rdb.HGetAll(ctx, r.keyReservation(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL reservation: %w", err)
	}
	if len(vals) == 0 {
		exists, err := r.rdb.Exists(ctx, r.keyTombstone(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis EXISTS tombstone: %w", err)
		}
		if exists == 1 {
			return &domain.Reservation{ID: id, State: domain.ReservationReleased}, nil
		}
		return nil, ErrReservationNotFound
	}
	res := &domain.Reservation{
		ID:            id,
		Dataset:       vals["dataset"],
		DatasetSeats:  atoiDefault(vals["dataset_seats"], 0),
		FloatingSeats: atoiDefault(vals["floating_seats"], 0),
		State:         domain.ReservationActive,
	}
	if t, err := time.Parse(time.RFC3339, vals["created_at"]); err == nil {
		res.CreatedAt = t
	}
	return res, nil
}

func (r *ledgerRedisRepo) Release(ctx context.Context, id string) (*domain.ReleaseResult, error) {
	if id == "" {
		return nil, errors.New("empty reservation id")
	}
	ttlSec := int64(r.tombstoneTTL / time.Second)

	var lastErr error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			d := backoff.Delay(r.retryPolicy, r.retryBase, r.retryMax, attempt-1, r.rng)
			if err := r.sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		dataset, err := r.reservationDataset(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		keys := []string{
			r.keyReservation(id),
			r.keyTombstone(id),
			r.keyDatasetPool(dataset),
			r.keyFloatingPool(),
		}
		res, err := releaseScript.Run(ctx, r.rdb, keys, ttlSec).Result()
		if err != nil {
			// Transient store trouble; the outer scheduler retry is the
			// safety net, but a couple of local attempts are cheaper.
			lastErr = fmt.Errorf("redis release script: %w", err)
			continue
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 3 {
			return nil, fmt.Errorf("unexpected release script response: %T", res)
		}
		code, _ := vals[0].(int64)
		ds, _ := vals[1].(int64)
		fl, _ := vals[2].(int64)
		switch code {
		case 1:
			return &domain.ReleaseResult{Outcome: domain.ReleasedNow, DatasetSeats: int(ds), FloatingSeats: int(fl)}, nil
		case 2:
			return &domain.ReleaseResult{Outcome: domain.AlreadyReleased}, nil
		default:
			return nil, fmt.Errorf("release %s: %w", id, ErrReservationNotFound)
		}
	}
	return nil, lastErr
}

// reservationDataset reads the dataset field so the script can credit the
// right pool. On a retried release the hash is already gone; the tombstone
// path inside the script does not touch the pools, so any dataset works.
func (r *ledgerRedisRepo) reservationDataset(ctx context.Context, id string) (string, error) {
	dataset, err := r.rdb.HGet(ctx, r.keyReservation(id), "dataset").Result()
	if err == redis.Nil {
		return "unknown", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis HGET dataset: %w", err)
	}
	if dataset == "" {
		dataset = "unknown"
	}
	return dataset, nil
}

func (r *ledgerRedisRepo) ForceClear(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("empty reservation id")
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.keyReservation(id))
	pipe.Set(ctx, r.keyTombstone(id), "1", r.tombstoneTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis force clear: %w", err)
	}
	return nil
}

func (r *ledgerRedisRepo) PoolBalance(ctx context.Context, dataset string) (int, int, error) {
	pipe := r.rdb.Pipeline()
	dsCmd := pipe.Get(ctx, r.keyDatasetPool(dataset))
	flCmd := pipe.Get(ctx, r.keyFloatingPool())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("redis pool balance: %w", err)
	}
	return atoiDefault(dsCmd.Val(), 0), atoiDefault(flCmd.Val(), 0), nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
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
