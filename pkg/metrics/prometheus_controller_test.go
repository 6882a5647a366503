package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusController(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "loadforge_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Add(3)

	r := mux.NewRouter()
	c := newPrometheusController("", registry)
	c.Register(r)
	require.Equal(t, "/debug/prometheus", c.Key())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "loadforge_test_total 3")
}

func TestBuildInfoRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "loadforge_build_info" {
			found = true
		}
	}
	require.True(t, found)
}
