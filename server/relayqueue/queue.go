// Package relayqueue spools forwarded message copies on disk and retries
// delivery through the SMTP relay until they go out or exhaust their
// attempts. Messages survive restarts: every envelope is a metadata file
// plus a raw message file, moved between pending, processing and failed
// directories by atomic renames.
package relayqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/migadu/sift/idgen"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
)

// Envelope is the queue's metadata record for one spooled message.
type Envelope struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Kind        string    `json:"kind"` // "forward"
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	NextRetry   time.Time `json:"next_retry"`
	Errors      []string  `json:"errors,omitempty"`
}

// DiskQueue is a directory-backed relay spool. All operations hold a
// single mutex: the queue is small and correctness beats throughput here.
type DiskQueue struct {
	pendingDir    string
	processingDir string
	failedDir     string
	maxAttempts   int
	retryBackoff  []time.Duration
	mu            sync.Mutex
}

// DefaultRetryBackoff is used when the configuration gives no schedule.
var DefaultRetryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// NewDiskQueue opens (and creates if needed) a spool rooted at basePath.
func NewDiskQueue(basePath string, maxAttempts int, retryBackoff []time.Duration) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("relay queue path cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if len(retryBackoff) == 0 {
		retryBackoff = DefaultRetryBackoff
	}

	q := &DiskQueue{
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
	}
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// Enqueue spools a message for delivery. The metadata file is written
// before the body so a crash between the two leaves a readable record.
func (q *DiskQueue) Enqueue(from, to, kind string, messageBytes []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	env := Envelope{
		ID:        idgen.New(),
		From:      from,
		To:        to,
		Kind:      kind,
		QueuedAt:  time.Now(),
		NextRetry: time.Now(),
	}

	metaPath := filepath.Join(q.pendingDir, env.ID+".json")
	if err := q.writeJSONAtomic(metaPath, &env); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	msgPath := filepath.Join(q.pendingDir, env.ID+".msg")
	if err := writeAtomic(msgPath, messageBytes); err != nil {
		os.Remove(metaPath)
		return fmt.Errorf("writing message body: %w", err)
	}

	metrics.RelayMessagesTotal.WithLabelValues("queued").Inc()
	q.updateDepthLocked()
	logger.Debug("relayqueue: enqueued", "id", env.ID, "to", to, "kind", kind)
	return nil
}

// AcquireNext moves the first retry-ready pending message into the
// processing directory and returns it. A nil envelope means nothing is
// ready, which is the common case.
func (q *DiskQueue) AcquireNext() (*Envelope, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading pending directory: %w", err)
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		var env Envelope
		metaPath := filepath.Join(q.pendingDir, entry.Name())
		if err := readJSON(metaPath, &env); err != nil {
			logger.Error("relayqueue: unreadable envelope", "entry", entry.Name(), "error", err)
			continue
		}
		if now.Before(env.NextRetry) {
			continue
		}

		msgPath := filepath.Join(q.pendingDir, env.ID+".msg")
		messageBytes, err := os.ReadFile(msgPath)
		if err != nil {
			logger.Error("relayqueue: unreadable message body", "id", env.ID, "error", err)
			continue
		}

		if err := os.Rename(metaPath, filepath.Join(q.processingDir, env.ID+".json")); err != nil {
			logger.Error("relayqueue: acquire rename failed", "id", env.ID, "error", err)
			continue
		}
		if err := os.Rename(msgPath, filepath.Join(q.processingDir, env.ID+".msg")); err != nil {
			os.Rename(filepath.Join(q.processingDir, env.ID+".json"), metaPath)
			logger.Error("relayqueue: acquire rename failed", "id", env.ID, "error", err)
			continue
		}
		return &env, messageBytes, nil
	}
	return nil, nil, nil
}

// MarkSuccess removes a delivered message from the spool.
func (q *DiskQueue) MarkSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ext := range []string{".json", ".msg"} {
		path := filepath.Join(q.processingDir, id+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	metrics.RelayMessagesTotal.WithLabelValues("delivered").Inc()
	q.updateDepthLocked()
	return nil
}

// MarkFailure records a temporary failure. The message moves back to
// pending with its next retry scheduled from the backoff table, or to the
// failed directory once the allowed attempts are exhausted.
func (q *DiskQueue) MarkFailure(id, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var env Envelope
	metaPath := filepath.Join(q.processingDir, id+".json")
	if err := readJSON(metaPath, &env); err != nil {
		return fmt.Errorf("reading envelope: %w", err)
	}

	env.Attempts++
	env.LastAttempt = time.Now()
	env.Errors = append(env.Errors, fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), errorMsg))

	if env.Attempts >= q.maxAttempts {
		logger.Error("relayqueue: attempts exhausted", "id", id, "max_attempts", q.maxAttempts)
		metrics.RelayMessagesTotal.WithLabelValues("dropped").Inc()
		return q.moveLocked(&env, metaPath, q.failedDir)
	}

	idx := env.Attempts - 1
	if idx >= len(q.retryBackoff) {
		idx = len(q.retryBackoff) - 1
	}
	env.NextRetry = time.Now().Add(q.retryBackoff[idx])
	metrics.RelayMessagesTotal.WithLabelValues("retry").Inc()
	logger.Info("relayqueue: delivery failed, retry scheduled",
		"id", id, "attempt", env.Attempts, "retry_at", env.NextRetry.Format(time.RFC3339), "error", errorMsg)
	return q.moveLocked(&env, metaPath, q.pendingDir)
}

// MarkPermanentFailure moves a message straight to the failed directory.
// Used for 5xx rejections, which no amount of retrying will fix.
func (q *DiskQueue) MarkPermanentFailure(id, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var env Envelope
	metaPath := filepath.Join(q.processingDir, id+".json")
	if err := readJSON(metaPath, &env); err != nil {
		return fmt.Errorf("reading envelope: %w", err)
	}
	env.Attempts++
	env.LastAttempt = time.Now()
	env.Errors = append(env.Errors, fmt.Sprintf("[%s] permanent: %s", time.Now().Format(time.RFC3339), errorMsg))

	metrics.RelayMessagesTotal.WithLabelValues("rejected").Inc()
	return q.moveLocked(&env, metaPath, q.failedDir)
}

// Release returns a processing message to pending without counting an
// attempt. Used when the circuit breaker blocked the delivery before it
// was tried.
func (q *DiskQueue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var env Envelope
	metaPath := filepath.Join(q.processingDir, id+".json")
	if err := readJSON(metaPath, &env); err != nil {
		return fmt.Errorf("reading envelope: %w", err)
	}
	return q.moveLocked(&env, metaPath, q.pendingDir)
}

// Recover returns messages stranded in the processing directory to
// pending. Called once on startup: anything still in processing belonged
// to a previous run that died mid-delivery.
func (q *DiskQueue) Recover() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("reading processing directory: %w", err)
	}

	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(q.processingDir, entry.Name())
		dst := filepath.Join(q.pendingDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			logger.Error("relayqueue: recovery rename failed", "entry", entry.Name(), "error", err)
			continue
		}
		if filepath.Ext(entry.Name()) == ".json" {
			recovered++
		}
	}
	if recovered > 0 {
		logger.Info("relayqueue: recovered stranded messages", "count", recovered)
	}
	q.updateDepthLocked()
	return recovered, nil
}

// Stats counts envelopes in each spool state.
func (q *DiskQueue) Stats() (pending, processing, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pending, err = countEnvelopes(q.pendingDir); err != nil {
		return 0, 0, 0, err
	}
	if processing, err = countEnvelopes(q.processingDir); err != nil {
		return 0, 0, 0, err
	}
	if failed, err = countEnvelopes(q.failedDir); err != nil {
		return 0, 0, 0, err
	}
	return pending, processing, failed, nil
}

// moveLocked rewrites the envelope into dstDir and renames the message
// body next to it, then drops the processing copies.
func (q *DiskQueue) moveLocked(env *Envelope, srcMetaPath, dstDir string) error {
	if err := q.writeJSONAtomic(filepath.Join(dstDir, env.ID+".json"), env); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	srcMsg := filepath.Join(filepath.Dir(srcMetaPath), env.ID+".msg")
	if err := os.Rename(srcMsg, filepath.Join(dstDir, env.ID+".msg")); err != nil {
		os.Remove(filepath.Join(dstDir, env.ID+".json"))
		return fmt.Errorf("moving message body: %w", err)
	}
	os.Remove(srcMetaPath)
	q.updateDepthLocked()
	return nil
}

func (q *DiskQueue) updateDepthLocked() {
	if pending, err := countEnvelopes(q.pendingDir); err == nil {
		metrics.RelayQueueDepth.Set(float64(pending))
	}
}

func (q *DiskQueue) writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// writeAtomic writes via a temp file in the same directory and renames
// into place, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func countEnvelopes(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count, nil
}
