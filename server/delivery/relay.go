package delivery

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/circuitbreaker"
	"github.com/migadu/sift/pkg/metrics"
)

// RelayError wraps an error with whether it is permanent. Permanent errors
// (5xx SMTP codes) are not retried; temporary errors (4xx, network) are.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether an error is a permanent failure.
// Network and connection errors count as temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// SMTPRelayHandler forwards messages over SMTP with optional SASL auth,
// TLS, and a circuit breaker.
type SMTPRelayHandler struct {
	Host           string
	Username       string
	Password       string
	UseTLS         bool
	TLSVerify      bool
	UseStartTLS    bool
	TLSCertFile    string
	TLSKeyFile     string
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// NewSMTPRelayHandler builds a relay handler from configuration with a
// circuit breaker sized from the queue settings.
func NewSMTPRelayHandler(cfg *config.RelayConfig) (*SMTPRelayHandler, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("relay host not configured")
	}

	threshold := cfg.Queue.GetCircuitBreakerThreshold()
	timeout, err := cfg.Queue.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, err
	}

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "smtp-relay",
		MaxRequests: uint32(cfg.Queue.GetCircuitBreakerMaxRequests()),
		Timeout:     timeout,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Info("relay circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.RelayCircuitState.Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			// Permanent rejections are the remote judging the message,
			// not the relay being down. Only temporary failures trip the
			// breaker.
			return err == nil || IsPermanentError(err)
		},
	})

	return &SMTPRelayHandler{
		Host:           cfg.Host,
		Username:       cfg.Username,
		Password:       cfg.Password,
		UseTLS:         cfg.TLS || cfg.UseStartTLS,
		TLSVerify:      cfg.GetTLSVerify(),
		UseStartTLS:    cfg.UseStartTLS,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		CircuitBreaker: cb,
	}, nil
}

// GetCircuitBreaker exposes the breaker for health monitoring.
func (r *SMTPRelayHandler) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.CircuitBreaker
}

// SendToExternalRelay sends one message, guarded by the circuit breaker.
func (r *SMTPRelayHandler) SendToExternalRelay(from, to string, messageBytes []byte) error {
	if r.Host == "" {
		return fmt.Errorf("SMTP relay host not configured")
	}

	if r.CircuitBreaker != nil {
		_, err := r.CircuitBreaker.Execute(func() (any, error) {
			return nil, r.send(from, to, messageBytes)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			logger.Warn("relay: circuit breaker open, skipping delivery", "host", r.Host)
			metrics.RelayMessagesTotal.WithLabelValues("circuit_breaker_open").Inc()
			return fmt.Errorf("SMTP relay circuit breaker is open: %w", err)
		}
		return err
	}

	return r.send(from, to, messageBytes)
}

func (r *SMTPRelayHandler) send(from, to string, messageBytes []byte) error {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	if r.TLSCertFile != "" && r.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.TLSCertFile, r.TLSKeyFile)
		if err != nil {
			metrics.RelayMessagesTotal.WithLabelValues("failure").Inc()
			return &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var c *smtp.Client
	var err error
	switch {
	case !r.UseTLS:
		c, err = smtp.Dial(r.Host)
	case r.UseStartTLS:
		c, err = smtp.DialStartTLS(r.Host, tlsConfig)
	default:
		c, err = smtp.DialTLS(r.Host, tlsConfig)
	}
	if err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("failure").Inc()
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
	}
	defer c.Close()

	var relayErr error
	defer func() {
		if relayErr != nil {
			metrics.RelayMessagesTotal.WithLabelValues("failure").Inc()
		}
	}()

	if r.Username != "" {
		if relayErr = c.Auth(sasl.NewPlainClient("", r.Username, r.Password)); relayErr != nil {
			// Auth rejections are configuration errors.
			return &RelayError{Err: fmt.Errorf("SMTP auth failed: %w", relayErr), Permanent: true}
		}
	}

	if relayErr = c.Mail(from, nil); relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}
	if relayErr = c.Rcpt(to, nil); relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}

	wc, relayErr := c.Data()
	if relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}
	if _, relayErr = wc.Write(messageBytes); relayErr != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", relayErr), Permanent: false}
	}
	if relayErr = wc.Close(); relayErr != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", relayErr), Permanent: IsPermanentError(relayErr)}
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted at this point.
		logger.Warn("relay: failed to send QUIT", "error", err)
	}

	metrics.RelayMessagesTotal.WithLabelValues("success").Inc()
	return nil
}
