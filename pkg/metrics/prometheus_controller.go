package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iota-uz/telemetry-sdk/pkg/server"
)

const DefaultPath = "/debug/prometheus"

type Options struct {
	Path string
	// Gatherer defaults to the process-wide registry the delivery metrics live in.
	Gatherer prometheus.Gatherer
}

// PrometheusController serves scrape requests for the delivery and process metrics.
type PrometheusController struct {
	path    string
	handler http.Handler
}

func NewPrometheusController(path string) server.Controller {
	return New(Options{Path: path})
}

func New(opts Options) *PrometheusController {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	handler := promhttp.Handler()
	if opts.Gatherer != nil {
		handler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})
	}
	return &PrometheusController{path: opts.Path, handler: handler}
}

func (c *PrometheusController) Key() string {
	return c.path
}

func (c *PrometheusController) Register(r *mux.Router) {
	r.Handle(c.path, c.handler).Methods(http.MethodGet)
}
