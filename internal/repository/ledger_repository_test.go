package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupLedger(t *testing.T) (context.Context, *miniredis.Miniredis, *redis.Client, LedgerRepository) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := NewLedgerRepository(rdb, "ops", LedgerOptions{
		TombstoneTTL:  time.Hour,
		RetryAttempts: 1,
	})
	return context.Background(), mr, rdb, repo
}

func seedReservation(t *testing.T, ctx context.Context, repo LedgerRepository, id string, dsSeats, flSeats int) {
	t.Helper()
	err := repo.Create(ctx, domain.Reservation{
		ID:            id,
		Dataset:       "viirs",
		DatasetSeats:  dsSeats,
		FloatingSeats: flSeats,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestReleaseCreditsPoolsAndRetires(t *testing.T) {
	ctx, _, _, repo := setupLedger(t)
	seedReservation(t, ctx, repo, "run-42", 3, 1)

	res, err := repo.Release(ctx, "run-42")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res.Outcome != domain.ReleasedNow {
		t.Fatalf("Outcome = %s, want %s", res.Outcome, domain.ReleasedNow)
	}
	if res.DatasetSeats != 3 || res.FloatingSeats != 1 {
		t.Errorf("seats credited = %d/%d, want 3/1", res.DatasetSeats, res.FloatingSeats)
	}

	ds, fl, err := repo.PoolBalance(ctx, "viirs")
	if err != nil {
		t.Fatalf("PoolBalance: %v", err)
	}
	if ds != 3 || fl != 1 {
		t.Errorf("pool balance = %d/%d, want 3/1", ds, fl)
	}

	got, err := repo.Get(ctx, "run-42")
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	if got.State != domain.ReservationReleased {
		t.Errorf("State = %s, want %s", got.State, domain.ReservationReleased)
	}
}

func TestReleaseIdempotentReentry(t *testing.T) {
	ctx, _, _, repo := setupLedger(t)
	seedReservation(t, ctx, repo, "run-7", 2, 2)

	first, err := repo.Release(ctx, "run-7")
	if err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if first.Outcome != domain.ReleasedNow {
		t.Fatalf("first Outcome = %s", first.Outcome)
	}

	// Retry of a previously-successful terminal invocation.
	second, err := repo.Release(ctx, "run-7")
	if err != nil {
		t.Fatalf("second Release must succeed: %v", err)
	}
	if second.Outcome != domain.AlreadyReleased {
		t.Fatalf("second Outcome = %s, want %s", second.Outcome, domain.AlreadyReleased)
	}

	// Pools credited exactly once, never double-decremented or double-credited.
	ds, fl, _ := repo.PoolBalance(ctx, "viirs")
	if ds != 2 || fl != 2 {
		t.Errorf("pool balance after double release = %d/%d, want 2/2", ds, fl)
	}
}

func TestReleaseNotFoundIsFailure(t *testing.T) {
	ctx, _, _, repo := setupLedger(t)

	_, err := repo.Release(ctx, "never-existed")
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("err = %v, want ErrReservationNotFound", err)
	}
}

func TestReleaseRetriesTransientErrors(t *testing.T) {
	ctx, _, goodClient, _ := setupLedger(t)

	// Unroutable address: the first rounds hit a dead store, then the sleep
	// hook swaps in the live client, like the store recovering mid-retry.
	badClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = badClient.Close() })

	repo := NewLedgerRepository(badClient, "ops", LedgerOptions{
		TombstoneTTL:  time.Hour,
		RetryAttempts: 3,
		RetryPolicy:   "fixed",
		RetryBase:     time.Millisecond,
		RetryMax:      time.Millisecond,
	})
	seeder := NewLedgerRepository(goodClient, "ops", LedgerOptions{TombstoneTTL: time.Hour, RetryAttempts: 1})
	seedReservation(t, ctx, seeder, "run-9", 1, 0)

	lr := repo.(*ledgerRedisRepo)
	sleeps := 0
	lr.sleep = func(c context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			lr.rdb = goodClient
		}
		return nil
	}

	res, err := repo.Release(ctx, "run-9")
	if err != nil {
		t.Fatalf("Release after recovery: %v", err)
	}
	if res.Outcome != domain.ReleasedNow {
		t.Fatalf("Outcome = %s, want %s", res.Outcome, domain.ReleasedNow)
	}
	ds, _, _ := seeder.PoolBalance(ctx, "viirs")
	if ds != 1 {
		t.Errorf("pool balance = %d, want 1 (no double credit across retries)", ds)
	}
}

func TestForceClearSkipsPools(t *testing.T) {
	ctx, _, _, repo := setupLedger(t)
	seedReservation(t, ctx, repo, "run-stuck", 4, 4)

	if err := repo.ForceClear(ctx, "run-stuck"); err != nil {
		t.Fatalf("ForceClear: %v", err)
	}
	ds, fl, _ := repo.PoolBalance(ctx, "viirs")
	if ds != 0 || fl != 0 {
		t.Errorf("pool balance = %d/%d, want 0/0 (force clear must not credit)", ds, fl)
	}

	// A later release of the cleared reservation is the idempotent path.
	res, err := repo.Release(ctx, "run-stuck")
	if err != nil {
		t.Fatalf("Release after ForceClear: %v", err)
	}
	if res.Outcome != domain.AlreadyReleased {
		t.Errorf("Outcome = %s, want %s", res.Outcome, domain.AlreadyReleased)
	}
}

func TestGetActiveReservation(t *testing.T) {
	ctx, _, _, repo := setupLedger(t)
	seedReservation(t, ctx, repo, "run-1", 5, 2)

	got, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != domain.ReservationActive {
		t.Errorf("State = %s, want %s", got.State, domain.ReservationActive)
	}
	if got.Dataset != "viirs" || got.DatasetSeats != 5 || got.FloatingSeats != 2 {
		t.Errorf("Get = %+v", got)
	}
}

func TestGetUnknownReservation(t *testing.T) {
	ctx, _, _, repo := setupLedger(t)
	_, err := repo.Get(ctx, "ghost")
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("err = %v, want ErrReservationNotFound", err)
	}
}
