package delivery

import (
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/config"
)

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection refused"), false},
		{"relay error permanent", &RelayError{Err: errors.New("rejected"), Permanent: true}, true},
		{"relay error temporary", &RelayError{Err: errors.New("busy"), Permanent: false}, false},
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "no such user"}, true},
		{"smtp 451", &smtp.SMTPError{Code: 451, Message: "try again later"}, false},
		{"wrapped relay error", &RelayError{Err: &smtp.SMTPError{Code: 421}, Permanent: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanentError(tt.err))
		})
	}
}

func TestRelayErrorUnwrap(t *testing.T) {
	inner := &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}
	err := &RelayError{Err: inner, Permanent: true}

	assert.Contains(t, err.Error(), "mailbox unavailable")
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 550, smtpErr.Code)
}

func TestNewSMTPRelayHandler(t *testing.T) {
	cfg := &config.RelayConfig{
		Host:        "relay.example.com:465",
		Username:    "sift",
		Password:    "secret",
		TLS:         true,
		UseStartTLS: false,
	}

	h, err := NewSMTPRelayHandler(cfg)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "relay.example.com:465", h.Host)
	assert.True(t, h.UseTLS)
	assert.True(t, h.TLSVerify, "verification defaults on when unset")
	require.NotNil(t, h.CircuitBreaker)
}
