package metrics

import (
	"context"
	"errors"
	stdlog "log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StartMetricsServer serves the default process metrics on /metrics and the
// relay metrics on /relay/metrics. The server is closed when ctx finishes.
func StartMetricsServer(ctx context.Context, eg *errgroup.Group, ln net.Listener, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/relay/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	writer := log.WithField("logger", "metrics").WriterLevel(log.WarnLevel)
	srv := &http.Server{
		Handler:  mux,
		ErrorLog: stdlog.New(writer, "", 0),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	log.WithField("addr", ln.Addr().String()).Info("Serving metrics")

	eg.Go(func() error {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("Metrics server stopped")
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		writer.Close()
		return srv.Close()
	})
}
