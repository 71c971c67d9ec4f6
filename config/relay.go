package config

import (
	"fmt"
	"time"

	"github.com/migadu/sift/helpers"
)

// RelayConfig defines the outbound SMTP relay used by forwarding actions.
type RelayConfig struct {
	Host            string `toml:"host"`               // SMTP server address (e.g., "smtp.example.com:587")
	Username        string `toml:"username"`           // SASL PLAIN username (empty disables auth)
	Password        string `toml:"password"`           // SASL PLAIN password
	HELOName        string `toml:"helo_name"`          // HELO/EHLO hostname (default: os.Hostname)
	TLS             bool   `toml:"tls"`                // Use implicit TLS (default: STARTTLS on port 587)
	TLSVerify       *bool  `toml:"tls_verify"`         // Verify TLS certificates (default: true)
	UseStartTLS     bool   `toml:"use_starttls"`       // Use STARTTLS instead of implicit TLS
	TLSCertFile     string `toml:"tls_cert_file"`      // Client certificate for mTLS (optional)
	TLSKeyFile      string `toml:"tls_key_file"`       // Client key for mTLS (optional)
	SendTimeout     string `toml:"send_timeout"`       // Per-message timeout (default: "30s")
	MaxForwardDepth int    `toml:"max_forward_depth"`  // Loop guard via X-Sift-Forwarded hops (default: 3)

	Queue RelayQueueConfig `toml:"queue"`
}

// RelayQueueConfig holds the disk-backed retry queue configuration.
type RelayQueueConfig struct {
	Path                      string   `toml:"path"`                         // Base path for queue storage (e.g., "/var/spool/sift/relay")
	WorkerInterval            string   `toml:"worker_interval"`              // How often the worker drains the queue (default: "1m")
	BatchSize                 int      `toml:"batch_size"`                   // Messages per worker cycle (default: 50)
	Concurrency               int      `toml:"concurrency"`                  // Concurrent sends (default: 5)
	MaxAttempts               int      `toml:"max_attempts"`                 // Attempts before a message moves to failed (default: 6)
	RetryBackoff              []string `toml:"retry_backoff"`                // Backoff per attempt (default: 1m 5m 15m 1h 6h 24h)
	CircuitBreakerThreshold   int      `toml:"circuit_breaker_threshold"`    // Consecutive failures before the circuit opens (default: 5)
	CircuitBreakerTimeout     string   `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int      `toml:"circuit_breaker_max_requests"` // Requests allowed half-open (default: 3)
}

// IsConfigured returns true when the relay can send mail.
func (r *RelayConfig) IsConfigured() bool {
	return r.Host != ""
}

// GetTLSVerify returns whether to verify server certificates.
func (r *RelayConfig) GetTLSVerify() bool {
	if r.TLSVerify == nil {
		return true
	}
	return *r.TLSVerify
}

// GetSendTimeout parses the per-message send timeout.
func (r *RelayConfig) GetSendTimeout() (time.Duration, error) {
	if r.SendTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.SendTimeout)
}

// GetMaxForwardDepth returns the forwarding hop limit.
func (r *RelayConfig) GetMaxForwardDepth() int {
	if r.MaxForwardDepth <= 0 {
		return 3
	}
	return r.MaxForwardDepth
}

// GetWorkerInterval parses the queue worker interval.
func (q *RelayQueueConfig) GetWorkerInterval() (time.Duration, error) {
	if q.WorkerInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(q.WorkerInterval)
}

// GetBatchSize returns the messages processed per cycle.
func (q *RelayQueueConfig) GetBatchSize() int {
	if q.BatchSize <= 0 {
		return 50
	}
	return q.BatchSize
}

// GetConcurrency returns the concurrent send count.
func (q *RelayQueueConfig) GetConcurrency() int {
	if q.Concurrency <= 0 {
		return 5
	}
	return q.Concurrency
}

// GetMaxAttempts returns the delivery attempt cap.
func (q *RelayQueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 6
	}
	return q.MaxAttempts
}

// GetRetryBackoff parses the retry backoff schedule. Attempts past the end
// of the schedule reuse its last entry.
func (q *RelayQueueConfig) GetRetryBackoff() ([]time.Duration, error) {
	defaults := []time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute,
		time.Hour, 6 * time.Hour, 24 * time.Hour,
	}
	if len(q.RetryBackoff) == 0 {
		return defaults, nil
	}
	out := make([]time.Duration, 0, len(q.RetryBackoff))
	for _, s := range q.RetryBackoff {
		d, err := helpers.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid retry_backoff entry %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// GetCircuitBreakerThreshold returns the failure threshold.
func (q *RelayQueueConfig) GetCircuitBreakerThreshold() int {
	if q.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return q.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout parses the recovery test interval.
func (q *RelayQueueConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if q.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the half-open request allowance.
func (q *RelayQueueConfig) GetCircuitBreakerMaxRequests() int {
	if q.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return q.CircuitBreakerMaxRequests
}

// Validate rejects relay configurations that cannot work.
func (r *RelayConfig) Validate() error {
	if !r.IsConfigured() {
		return nil
	}
	if (r.TLSCertFile == "") != (r.TLSKeyFile == "") {
		return fmt.Errorf("relay.tls_cert_file and relay.tls_key_file must be set together")
	}
	if _, err := r.GetSendTimeout(); err != nil {
		return fmt.Errorf("relay.send_timeout: %w", err)
	}
	if _, err := r.Queue.GetWorkerInterval(); err != nil {
		return fmt.Errorf("relay.queue.worker_interval: %w", err)
	}
	if _, err := r.Queue.GetRetryBackoff(); err != nil {
		return fmt.Errorf("relay.queue.retry_backoff: %w", err)
	}
	if _, err := r.Queue.GetCircuitBreakerTimeout(); err != nil {
		return fmt.Errorf("relay.queue.circuit_breaker_timeout: %w", err)
	}
	return nil
}
