package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		require.NoError(t, HTTPProbe(srv.URL)(context.Background()))
	})

	t.Run("Degraded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		err := HTTPProbe(srv.URL)(context.Background())
		require.Error(t, err)
		assert.True(t, trace.IsConnectionProblem(err))
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		err := HTTPProbe(srv.URL)(context.Background())
		require.Error(t, err)
		assert.True(t, trace.IsConnectionProblem(err))
	})
}
