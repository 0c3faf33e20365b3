package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         string
		wantURL    string
		wantDomain string
	}{
		{"full url", "https://www.Acme-Apartments.com/", "https://www.acme-apartments.com", "acme-apartments.com"},
		{"scheme-less", "acme-apartments.com", "https://acme-apartments.com", "acme-apartments.com"},
		{"keeps path", "http://acme.com/floorplans#top", "http://acme.com/floorplans", "acme.com"},
		{"strips port from domain", "https://acme.com:8443", "https://acme.com:8443", "acme.com"},
		{"localhost", "http://localhost:9000", "http://localhost:9000", "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTarget(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, got.URL)
			assert.Equal(t, tt.wantDomain, got.Domain)
		})
	}
}

func TestParseTarget_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "ftp://acme.com", "not a url", "https://", "justaword"} {
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTarget(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTarget), "want ErrInvalidTarget, got %v", err)
		})
	}
}
