package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/config"
)

func TestBuildConnString(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "single host default port",
			cfg:  config.DatabaseConfig{Hosts: []string{"localhost"}, User: "sift", Name: "siftdb"},
			want: "postgres://sift@localhost:5432/siftdb?sslmode=disable",
		},
		{
			name: "password and tls",
			cfg:  config.DatabaseConfig{Hosts: []string{"db1"}, User: "u", Password: "p", Name: "d", TLSMode: true},
			want: "postgres://u:p@db1:5432/d?sslmode=require",
		},
		{
			name: "multiple hosts mixed ports",
			cfg:  config.DatabaseConfig{Hosts: []string{"db1:5433", "db2"}, Port: "6432", User: "u", Name: "d"},
			want: "postgres://u@db1:5433,db2:6432/d?sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildConnString(&tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildConnStringErrors(t *testing.T) {
	_, err := BuildConnString(&config.DatabaseConfig{})
	assert.Error(t, err)

	_, err = BuildConnString(&config.DatabaseConfig{Hosts: []string{" "}, Name: "d"})
	assert.Error(t, err)
}
