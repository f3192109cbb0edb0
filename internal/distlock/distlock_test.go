package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisLock(client, "job:auto-reply", time.Minute)
	second := NewRedisLock(client, "job:auto-reply", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("lock:job:auto-reply"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be acquired twice")

	// releasing a lock we do not own leaves the holder in place
	require.NoError(t, second.Release(ctx))
	assert.True(t, mr.Exists("lock:job:auto-reply"))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("lock:job:auto-reply"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	stuck := NewRedisLock(client, "job:x", 10*time.Second)
	ok, err := stuck.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err = NewRedisLock(client, "job:x", 10*time.Second).Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder's lock expires with its TTL")
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	l := NewPGAdvisoryLock(db, "job:trigger-detection")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx), "second release is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_NotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "job:trigger-detection")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFactory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, &RedisLock{}, NewFactory(client, db, time.Minute)("k"))
	assert.IsType(t, &PGAdvisoryLock{}, NewFactory(nil, db, time.Minute)("k"))
	assert.IsType(t, NoopLock{}, NewFactory(nil, nil, time.Minute)("k"))

	ok, err := NoopLock{}.Acquire(context.Background())
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestRunExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	factory := NewFactory(client, nil, time.Minute)

	ran := false
	err := RunExclusive(ctx, factory, "job:scheduled-send", func(ctx context.Context) {
		ran = true
		// a concurrent run is refused while we hold the lock
		inner := RunExclusive(ctx, factory, "job:scheduled-send", func(context.Context) {
			t.Error("nested run must not execute")
		})
		assert.ErrorIs(t, inner, ErrNotAcquired)
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:job:scheduled-send"), "lock released after the run")

	ran = false
	require.NoError(t, RunExclusive(ctx, nil, "k", func(context.Context) { ran = true }))
	assert.True(t, ran, "nil factory runs unguarded")

	mr.SetError("ERR backend unavailable")
	err = RunExclusive(ctx, factory, "job:x", func(context.Context) { t.Error("must not run on backend error") })
	assert.Error(t, err)
}
