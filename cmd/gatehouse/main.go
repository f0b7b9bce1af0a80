package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gatehouse/admission"
	"gatehouse/admission/ddos"
	"gatehouse/admission/fingerprint"
	"gatehouse/admission/headers"
	"gatehouse/admission/ratelimit"
	"gatehouse/admission/requestid"
	"gatehouse/admission/sanitize"
	"gatehouse/admission/store"
	"gatehouse/internal/config"
	"gatehouse/internal/logging"
	"gatehouse/internal/metrics"
	"gatehouse/internal/proxy"
	"gatehouse/internal/server"
)

func main() {
	configPath := flag.String("config", "gatehouse.yaml", "path to the YAML config file")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		*configPath = ""
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatehouse:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)

	be, err := openBackends(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer be.close()

	// the whole handler chain is rebuilt on reload; stores survive so
	// counters and scores are not lost across a config change
	var root atomic.Pointer[http.Handler]
	var watcher *config.Watcher
	triggerReload := func() error {
		if watcher == nil {
			return errors.New("no config file to reload")
		}
		return watcher.Reload()
	}
	rebuild := func(c *config.Config) error {
		h, err := buildHandler(c, be, triggerReload, log)
		if err != nil {
			return err
		}
		root.Store(&h)
		return nil
	}
	if err := rebuild(cfg); err != nil {
		log.Fatal().Err(err).Msg("handler init failed")
	}

	entry := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*root.Load()).ServeHTTP(w, r)
	})

	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, 2*time.Second, log, rebuild)
		if err != nil {
			log.Warn().Err(err).Msg("config watcher disabled")
		} else {
			defer watcher.Stop()
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           entry,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h3 := server.NewHTTP3Server(server.HTTP3Config{
		Enabled:  cfg.Server.HTTP3.Enabled,
		Addr:     cfg.Server.HTTP3.Addr,
		CertFile: cfg.Server.HTTP3.CertFile,
		KeyFile:  cfg.Server.HTTP3.KeyFile,
	}, log)
	if err := h3.Start(entry); err != nil {
		log.Fatal().Err(err).Msg("http3 init failed")
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Type).Msg("gatehouse listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listener failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			if watcher != nil {
				if err := watcher.Reload(); err != nil {
					log.Error().Err(err).Msg("reload failed")
				}
			}
			continue
		}
		break
	}

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = h3.Stop(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

// backends bundles the two store views plus an optional closer; all
// three point at the same physical backend.
type backends struct {
	rl     ratelimit.Store
	scores ddos.Store
	closer io.Closer
}

func (b *backends) close() {
	if b.closer != nil {
		_ = b.closer.Close()
	}
}

func openBackends(cfg *config.Config, log zerolog.Logger) (*backends, error) {
	switch cfg.Store.Type {
	case "redis":
		r, err := store.NewRedis(store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Store.Redis.Addr).Msg("redis store ready")
		return &backends{rl: r, scores: r, closer: r}, nil
	case "bolt":
		path := cfg.Store.BoltPath
		if path == "" {
			path = "gatehouse.db"
		}
		b, err := store.OpenBolt(path, 0)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("bolt store ready")
		return &backends{rl: b, scores: b, closer: b}, nil
	default:
		m := store.NewMemory(store.MemoryConfig{
			IdleTTL:       time.Duration(cfg.Store.IdleTTLMS) * time.Millisecond,
			ShardCapacity: cfg.Store.ShardCapacity,
		})
		return &backends{rl: m, scores: m}, nil
	}
}

func buildHandler(cfg *config.Config, be *backends, reload func() error, log zerolog.Logger) (http.Handler, error) {
	storeTimeout := time.Duration(cfg.Policy.StoreTimeoutMS) * time.Millisecond

	limiter := ratelimit.NewEngine(be.rl, ratelimit.Config{
		DefaultRule: ratelimit.Rule{
			Limit:  cfg.RateLimit.DefaultLimit,
			Window: time.Duration(cfg.RateLimit.DefaultWindowMS) * time.Millisecond,
		},
		FailOpen:     cfg.Policy.FailOpen,
		StoreTimeout: storeTimeout,
	}, log)

	ddosEngine := ddos.NewEngine(be.scores, ddos.Config{
		ObservationWindow:  time.Duration(cfg.DDoS.ObservationWindowMS) * time.Millisecond,
		RateThreshold:      cfg.DDoS.RateThreshold,
		PathDiversityRatio: cfg.DDoS.PathDiversityRatio,
		PathDiversityMin:   cfg.DDoS.PathDiversityMin,
		MissingUAWeight:    cfg.DDoS.MissingUAWeight,
		BlockBase:          time.Duration(cfg.DDoS.BlockBaseMS) * time.Millisecond,
		BlockCeiling:       time.Duration(cfg.DDoS.BlockCeilingMS) * time.Millisecond,
		DecayInterval:      time.Duration(cfg.DDoS.DecayIntervalMS) * time.Millisecond,
		ScoreTTL:           time.Duration(cfg.DDoS.ScoreTTLMS) * time.Millisecond,
		FailOpen:           cfg.Policy.FailOpen,
		StoreTimeout:       storeTimeout,
	}, log)

	guard := admission.NewGuard(admission.Options{
		Extractor: fingerprint.NewExtractor(fingerprint.Config{
			TrustForwardedFor: cfg.Policy.TrustForwardedFor,
			JWTSecret:         cfg.Policy.JWTSecret,
		}),
		Sanitizer: sanitize.New(sanitize.Config{
			MaxStringLen: cfg.Sanitizer.MaxStringLen,
			AllowedTags:  cfg.Sanitizer.AllowedTags,
		}),
		Limiter:         limiter,
		DDoS:            ddosEngine,
		HeaderAllowlist: cfg.Sanitizer.HeaderAllowlist,
		GlobalRPS:       cfg.Policy.GlobalRPS,
		GlobalBurst:     cfg.Policy.GlobalBurst,
		Log:             log,
	})

	var forward http.Handler
	if cfg.Server.Upstream != "" {
		up, err := proxy.New(cfg.Server.Upstream, time.Duration(cfg.Server.UpstreamTimeoutMS)*time.Millisecond, log)
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		forward = up
	} else {
		forward = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "admitted", "path": r.URL.Path})
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/admission/stats", statsHandler(limiter, ddosEngine))
	mux.HandleFunc("/admission/reload", reloadHandler(reload, log))

	defaultRoute := admission.Route{Rule: ratelimit.Rule{
		Limit:  cfg.RateLimit.DefaultLimit,
		Window: time.Duration(cfg.RateLimit.DefaultWindowMS) * time.Millisecond,
	}}

	routeFor := func(path string) admission.Route {
		class, ok := cfg.ClassFor(path)
		if !ok {
			return defaultRoute
		}
		return admission.Route{Rule: ratelimit.Rule{
			Limit:  class.Limit,
			Window: time.Duration(class.WindowMS) * time.Millisecond,
		}}
	}

	// one protected handler per route class; ServeMux picks the most
	// specific prefix, ClassFor resolves the quota for it
	for _, class := range cfg.RateLimit.Classes {
		route := routeFor(class.Prefix)
		prefix := class.Prefix
		if !strings.HasSuffix(prefix, "/") {
			mux.Handle(prefix, guard.Protect(route, forward))
			prefix += "/"
		}
		mux.Handle(prefix, guard.Protect(route, forward))
	}
	mux.Handle("/", guard.Protect(defaultRoute, forward))

	headerRules := make([]headers.Rule, 0, len(cfg.Headers.Rules))
	for _, r := range cfg.Headers.Rules {
		headerRules = append(headerRules, headers.Rule{
			Path:      r.Path,
			Operation: headers.Operation(r.Operation),
			Header:    r.Header,
			Value:     r.Value,
		})
	}
	injector := headers.NewInjector(headers.Config{
		Enabled: !cfg.Headers.Disabled,
		HSTS:    cfg.Headers.HSTS,
		Rules:   headerRules,
	})

	chain := injector.Middleware(mux)
	chain = server.Compress(server.CompressionConfig{
		Enabled: cfg.Server.Compression.Enabled,
		Level:   cfg.Server.Compression.Level,
		MinSize: cfg.Server.Compression.MinSize,
	}, chain)
	chain = requestid.Middleware(chain)

	return chain, nil
}

func reloadHandler(reload func() error, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := reload(); err != nil {
			log.Error().Err(err).Msg("reload via endpoint failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
	}
}

func statsHandler(limiter *ratelimit.Engine, engine *ddos.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()

		// drill into one IP when asked
		if ip := r.URL.Query().Get("ip"); ip != "" {
			w.Header().Set("Content-Type", "application/json")
			score, ok := engine.Inspect(r.Context(), ip)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "untracked"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ip":               ip,
				"severity":         score.Severity.String(),
				"violation_count":  score.ViolationCount,
				"blocked":          score.Blocked(now),
				"blocked_until":    score.BlockedUntil,
				"events_in_window": len(score.Events),
			})
			return
		}
		tracked, blocked, ok := engine.Stats(r.Context(), now)
		if ok {
			metrics.TrackedIPs.Set(float64(tracked))
			metrics.BlockedIPs.Set(float64(blocked))
		}

		w.Header().Set("Content-Type", "application/json")
		out := map[string]any{
			"rate_limit": limiter.Analytics(),
			"ddos": map[string]any{
				"tracked_ips": tracked,
				"blocked_ips": blocked,
				"stats_ok":    ok,
			},
			"generated_at": now.UTC().Format(time.RFC3339),
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
