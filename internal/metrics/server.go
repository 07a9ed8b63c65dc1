package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ErrUnauthenticated is returned by Start when a non-loopback address is
// configured without an auth token.
var ErrUnauthenticated = errors.New("refusing to expose unauthenticated metrics endpoint")

// Handler serves /metrics and /healthz, /readyz when ready is non-nil, and
// /debug/pprof/ when enablePprof is set. A non-empty authToken is required
// as a bearer token.
func Handler(authToken string, enablePprof bool, ready http.Handler) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authToken != "" && r.Header.Get("Authorization") != "Bearer "+authToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	mux.Handle("/metrics", auth(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})))
	mux.Handle("/healthz", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})))
	if ready != nil {
		mux.Handle("/readyz", auth(ready))
	}
	if enablePprof {
		mux.Handle("/debug/pprof/", auth(http.HandlerFunc(pprof.Index)))
		mux.Handle("/debug/pprof/cmdline", auth(http.HandlerFunc(pprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", auth(http.HandlerFunc(pprof.Profile)))
		mux.Handle("/debug/pprof/symbol", auth(http.HandlerFunc(pprof.Symbol)))
		mux.Handle("/debug/pprof/trace", auth(http.HandlerFunc(pprof.Trace)))
	}
	return mux
}

// Start serves Handler on addr in the background. It returns nil, nil when
// addr is empty.
func Start(addr, authToken string, enablePprof bool, ready http.Handler, log logrus.FieldLogger) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	if !isLoopback(addr) && authToken == "" {
		return nil, fmt.Errorf("%w on %s", ErrUnauthenticated, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{
		Handler:           Handler(authToken, enablePprof, ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("metrics endpoint listening")
	return srv, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
