package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDistributor_Metrics_Push(t *testing.T) {
	t.Parallel()

	t.Run("pushes default registry to job path", func(t *testing.T) {
		t.Parallel()

		var (
			mu     sync.Mutex
			method string
			path   string
			body   string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			method, path, body = r.Method, r.URL.Path, string(b)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		EpochRunsTotal.WithLabelValues("completed", "done").Inc()
		require.NoError(t, Push(context.Background(), srv.URL))

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, http.MethodPut, method)
		require.Equal(t, "/metrics/job/"+pushJobName, path)
		require.NotEmpty(t, body)
	})

	t.Run("returns error on gateway failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := Push(context.Background(), srv.URL)
		require.ErrorContains(t, err, "failed to push metrics")
	})
}
