// Package metrics exposes mailproc counters over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/postmaster"
	"github.com/gotrs-io/gotrs-mailproc/internal/version"
)

// Metrics holds the counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	received *prometheus.CounterVec
	dispatch *prometheus.CounterVec
	sent     *prometheus.CounterVec
	idle     *prometheus.CounterVec
}

// New registers the mailproc counters on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailproc_messages_received_total",
			Help: "Messages fetched from a mailbox.",
		}, []string{"transport"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailproc_dispatch_total",
			Help: "Dispatch outcomes per route target.",
		}, []string{"target", "result"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailproc_sent_total",
			Help: "Outbound send attempts.",
		}, []string{"transport", "result"}),
		idle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailproc_idle_cycles_total",
			Help: "IDLE cycles ended, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.received, m.dispatch, m.sent, m.idle)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Received counts n fetched messages.
func (m *Metrics) Received(transport string, n int) {
	m.received.WithLabelValues(transport).Add(float64(n))
}

// ObserveDispatch is a postmaster observer. Results without a target, such
// as filter failures, are counted under target "none".
func (m *Metrics) ObserveDispatch(res postmaster.Result) {
	target := "none"
	if res.Template != "" || res.Action == postmaster.ActionUnmatched {
		target = res.Target.String()
	}
	m.dispatch.WithLabelValues(target, res.Action).Inc()
}

// Sent counts one send attempt.
func (m *Metrics) Sent(transport string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.sent.WithLabelValues(transport, result).Inc()
}

// IdleWake counts an IDLE cycle; it fits connector.WithWakeHook.
func (m *Metrics) IdleWake(reason string) {
	m.idle.WithLabelValues(reason).Inc()
}

// Handler serves the registry at path and a liveness probe at /healthz.
func (m *Metrics) Handler(path string) http.Handler {
	if path == "" {
		path = "/metrics"
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(path, gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.GetInfo()})
	})
	return r
}

// Serve runs the handler on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, path string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
