// Package metrics exposes collectors registered with the default Prometheus
// registry.
package metrics

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loadforge/loadforge/pkg/application"
)

var buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "loadforge_build_info",
	Help: "Build information of the running binary, always 1.",
}, []string{"version", "go_version"})

func init() {
	version, goVersion := "devel", ""
	if info, ok := debug.ReadBuildInfo(); ok {
		goVersion = info.GoVersion
		if info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	buildInfo.WithLabelValues(version, goVersion).Set(1)
	prometheus.MustRegister(buildInfo)
}

type PrometheusController struct {
	path     string
	gatherer prometheus.Gatherer
}

func NewPrometheusController(path string) application.Controller {
	return newPrometheusController(path, prometheus.DefaultGatherer)
}

func newPrometheusController(path string, gatherer prometheus.Gatherer) *PrometheusController {
	if path == "" {
		path = "/debug/prometheus"
	}
	return &PrometheusController{path: path, gatherer: gatherer}
}

func (c *PrometheusController) Key() string {
	return c.path
}

func (c *PrometheusController) Register(r *mux.Router) {
	handler := promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	r.Handle(c.path, handler).Methods(http.MethodGet)
}
