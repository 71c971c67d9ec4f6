package relayqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, maxAttempts int, backoff []time.Duration) *DiskQueue {
	t.Helper()
	q, err := NewDiskQueue(t.TempDir(), maxAttempts, backoff)
	require.NoError(t, err)
	return q
}

func TestEnqueueAndAcquire(t *testing.T) {
	q := newTestQueue(t, 3, nil)

	require.NoError(t, q.Enqueue("a@example.com", "b@example.net", "forward", []byte("raw mail")))

	env, body, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "a@example.com", env.From)
	assert.Equal(t, "b@example.net", env.To)
	assert.Equal(t, "forward", env.Kind)
	assert.Equal(t, 0, env.Attempts)
	assert.Equal(t, []byte("raw mail"), body)

	pending, processing, failed, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, processing)
	assert.Equal(t, 0, failed)
}

func TestAcquireEmptyQueue(t *testing.T) {
	q := newTestQueue(t, 3, nil)

	env, body, err := q.AcquireNext()
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.Nil(t, body)
}

func TestMarkSuccessRemovesMessage(t *testing.T) {
	q := newTestQueue(t, 3, nil)
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("m")))

	env, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NoError(t, q.MarkSuccess(env.ID))

	pending, processing, failed, err := q.Stats()
	require.NoError(t, err)
	assert.Zero(t, pending+processing+failed)
}

func TestMarkFailureSchedulesRetry(t *testing.T) {
	q := newTestQueue(t, 3, []time.Duration{time.Hour})
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("m")))

	env, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NoError(t, q.MarkFailure(env.ID, "connection refused"))

	pending, processing, _, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, processing)

	// Not ready until the backoff elapses.
	env, _, err = q.AcquireNext()
	require.NoError(t, err)
	assert.Nil(t, env)

	var stored Envelope
	require.NoError(t, readJSON(filepath.Join(q.pendingDir, firstEnvelopeID(t, q.pendingDir)+".json"), &stored))
	assert.Equal(t, 1, stored.Attempts)
	require.Len(t, stored.Errors, 1)
	assert.Contains(t, stored.Errors[0], "connection refused")
}

func TestMarkFailureExhaustsAttempts(t *testing.T) {
	q := newTestQueue(t, 2, []time.Duration{0})
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("m")))

	for i := 0; i < 2; i++ {
		env, _, err := q.AcquireNext()
		require.NoError(t, err)
		require.NotNil(t, env, "attempt %d", i+1)
		require.NoError(t, q.MarkFailure(env.ID, "timeout"))
	}

	pending, processing, failed, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, processing)
	assert.Equal(t, 1, failed)
}

func TestMarkPermanentFailure(t *testing.T) {
	q := newTestQueue(t, 5, []time.Duration{0})
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("m")))

	env, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NoError(t, q.MarkPermanentFailure(env.ID, "550 no such user"))

	pending, _, failed, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, failed)

	var stored Envelope
	require.NoError(t, readJSON(filepath.Join(q.failedDir, env.ID+".json"), &stored))
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.Errors[0], "550 no such user")
}

func TestReleaseKeepsAttemptCount(t *testing.T) {
	q := newTestQueue(t, 3, []time.Duration{0})
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("m")))

	env, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NoError(t, q.Release(env.ID))

	// Immediately acquirable again, attempts untouched.
	env, body, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, 0, env.Attempts)
	assert.Equal(t, []byte("m"), body)
}

func TestRecoverStrandedMessages(t *testing.T) {
	q := newTestQueue(t, 3, nil)
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("m")))
	_, _, err := q.AcquireNext()
	require.NoError(t, err)

	// Simulate a crash mid-delivery: reopen the spool and recover.
	recovered, err := q.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	env, _, err := q.AcquireNext()
	require.NoError(t, err)
	require.NotNil(t, env)
}

func TestEnqueueWritesDurably(t *testing.T) {
	q := newTestQueue(t, 3, nil)
	require.NoError(t, q.Enqueue("a@x.com", "b@y.com", "forward", []byte("payload")))

	// No temp files left behind.
	entries, err := os.ReadDir(q.pendingDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func firstEnvelopeID(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			return e.Name()[:len(e.Name())-len(".json")]
		}
	}
	t.Fatal("no envelope found")
	return ""
}
