package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{New(KindMatch, "match", nil), http.StatusServiceUnavailable},
		{New(KindHandler, "callback", errors.New("boom")), http.StatusInternalServerError},
		{New(KindProtocol, "read", errors.New("bad line")), http.StatusBadRequest},
		{Upstream("read", "example.com", errors.New("reset")), http.StatusBadGateway},
		{Upstream("dial", "example.com", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{Connection("bind", "127.0.0.9", errors.New("cannot assign")), http.StatusBadGateway},
		{Handshake("example.com", errors.New("bad cert")), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode())
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := Connection("bind", "10.9.9.9", errors.New("cannot assign requested address"))
	wrapped := fmt.Errorf("forward: %w", base)

	assert.True(t, Is(wrapped, KindConnection))
	assert.False(t, Is(wrapped, KindUpstream))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))

	pe, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "10.9.9.9", pe.Host)
	assert.Contains(t, wrapped.Error(), "connection error: bind 10.9.9.9")
}
