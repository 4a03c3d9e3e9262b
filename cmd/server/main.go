package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Siunami/wikipedia-pro/internal/applog"
	"github.com/Siunami/wikipedia-pro/internal/cache"
	"github.com/Siunami/wikipedia-pro/internal/config"
	"github.com/Siunami/wikipedia-pro/internal/httpx"
	"github.com/Siunami/wikipedia-pro/internal/metrics"
	"github.com/Siunami/wikipedia-pro/internal/proxy"
	"github.com/Siunami/wikipedia-pro/internal/store"
)

func main() {
	cfg := config.Load()

	st, err := store.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.CacheTable)
	if err != nil {
		applog.Logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	// A nil *store.Store wrapped in the proxy.Store interface would no
	// longer compare equal to a bare nil, so pass a genuine nil when the
	// cache is disabled instead of the typed-nil pointer.
	var proxyStore proxy.Store
	if st != nil {
		proxyStore = st
	}

	policy := cache.Policy{
		RewriteVersion: cfg.RewriteVersion,
		TTLMin:         cfg.TTLMinSeconds,
		TTLMax:         cfg.TTLMaxSeconds,
		GrowthFactor:   cfg.TTLGrowth,
	}

	handler := proxy.New(cfg.WikiBase, cfg.PublicHost, proxyStore, httpx.NewClient(), policy)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			handler.Root(w, r)
		case r.URL.Path == "/m":
			handler.HTML(w, r)
		case r.URL.Path == "/i":
			handler.Image(w, r)
		case len(r.URL.Path) >= 8 && r.URL.Path[:8] == "/static/":
			handler.Static(w, r)
		default:
			handler.Passthrough(w, r)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", &metrics.HealthHandler{Store: st, StoreEnabled: cfg.CacheEnabled()})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      applog.WithRequestID(applog.AccessLog(mux)),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
	}

	go func() {
		applog.Logger.Info("listening", "addr", cfg.ListenAddr, "wiki_base", cfg.WikiBase, "cache_enabled", cfg.CacheEnabled())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			applog.Logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctxShutdown)
	applog.Logger.Info("server stopped")
}
