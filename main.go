package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cascadelabs/cascade/internal/circuitbreaker"
	"github.com/cascadelabs/cascade/internal/classify"
	"github.com/cascadelabs/cascade/internal/config"
	"github.com/cascadelabs/cascade/internal/events"
	"github.com/cascadelabs/cascade/internal/llm"
	"github.com/cascadelabs/cascade/internal/modes"
	"github.com/cascadelabs/cascade/internal/predictor"
	"github.com/cascadelabs/cascade/internal/ratecontrol"
	"github.com/cascadelabs/cascade/internal/router"
	"github.com/cascadelabs/cascade/internal/session"
	"github.com/cascadelabs/cascade/internal/streamintent"
	"github.com/cascadelabs/cascade/internal/timeouts"
	"github.com/cascadelabs/cascade/internal/tools"
)

func main() {
	var (
		configPath = flag.String("config", "config/cascade.yaml", "path to the config file")
		trace      = flag.Bool("trace", false, "print tier attempts and mode transitions per request")
	)
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := watcher.Current()

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	}
	defer watcher.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	store := openHistoryStore(cfg, logger)
	pred := predictor.New(store, predictor.Config{
		Default: cfg.Predictor.Default,
		Min:     cfg.Predictor.Min,
		Max:     cfg.Predictor.Max,
		Window:  cfg.Predictor.Window,
		Decay:   cfg.Predictor.Decay,
	}, logger)

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}

	controller := timeouts.NewController(backend, timeouts.ControllerConfig{
		Defaults: timeouts.Defaults{
			TTFT:     cfg.Timeouts.TTFT,
			Idle:     cfg.Timeouts.Idle,
			Absolute: cfg.Timeouts.Absolute,
		},
		Fractions: timeouts.Fractions{
			TTFT: cfg.Timeouts.TTFTFraction,
			Idle: cfg.Timeouts.IdleFraction,
		},
		Scheduler: streamintent.Config{
			StuckLineThreshold: cfg.Scheduler.StuckLineThreshold,
			ExtendFraction:     cfg.Scheduler.ExtendFraction,
			ReduceFraction:     cfg.Scheduler.ReduceFraction,
		},
		MinUsefulBytes: cfg.Timeouts.MinUsefulBytes,
		StuckIsFailure: cfg.Timeouts.StuckIsFailure,
		RetryLighter:   cfg.Timeouts.RetryLighter,
	}, logger)

	registry := tools.NewRegistry(logger)
	registerBuiltinTools(registry)

	sessions := openSessionStore(ctx, cfg, logger)
	defer sessions.Close()

	emitter := events.NewManager(256)

	r := router.New(router.Config{
		Budgets: modes.ModeBudgets{
			Fast:   cfg.Modes.FastBudget,
			Deep:   cfg.Modes.DeepBudget,
			Search: cfg.Modes.SearchBudget,
		},
		KeywordConfidence: cfg.Tiers.KeywordConfidence,
		ReasoningSteps:    cfg.Tiers.ReasoningSteps,
		MaxIterations:     cfg.Tiers.MaxIterations,
	}, defaultPatternTable(logger), defaultKeywordClassifier(logger),
		controller, registry, pred, router.NewStats(), emitter, logger)

	logger.Info("cascade router ready",
		zap.String("backend", cfg.Backend.Provider),
		zap.String("history", cfg.History.Driver))

	runLoop(ctx, r, sessions, emitter, logger, *trace)
}

// runLoop reads one request per stdin line. The line protocol stands in for
// the HTTP/SSE transport, which is an external collaborator.
func runLoop(ctx context.Context, r *router.Router, sessions *session.Store, emitter *events.Manager, logger *zap.Logger, trace bool) {
	sess, err := sessions.Create(ctx)
	if err != nil {
		logger.Warn("session create failed, continuing without history", zap.Error(err))
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		req := router.Request{Text: text}
		if sess != nil {
			if s, err := sessions.Get(ctx, sess.ID); err == nil {
				req.PriorContext = s.PriorQueries(5)
			}
		}

		resp, err := r.Route(ctx, req)
		if err != nil {
			logger.Warn("request aborted", zap.Error(err))
			return
		}

		fmt.Println(resp.Content)
		if trace {
			printTrace(resp, emitter)
		}
		emitter.Forget(resp.RequestID)

		if sess != nil && !resp.Failed {
			_ = sessions.RecordExchange(ctx, sess.ID, session.Exchange{
				Query:    text,
				Response: resp.Content,
				Tier:     int(resp.Tier),
				Mode:     string(resp.Mode),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin read failed", zap.Error(err))
	}
}

func printTrace(resp *router.Response, emitter *events.Manager) {
	fmt.Fprintf(os.Stderr, "-- %s resolved by tier %s in %s (mode %s)\n",
		resp.RequestID, resp.Tier, resp.Used.Round(time.Millisecond), resp.Mode)
	for _, a := range resp.Attempts {
		fmt.Fprintf(os.Stderr, "   tier %-11s %-9s %s\n", a.Tier, a.Outcome, a.Used.Round(time.Millisecond))
	}
	for _, tr := range resp.Modes {
		fmt.Fprintf(os.Stderr, "   mode %s -> %s (%s)\n", tr.From, tr.To, tr.Cause)
	}
	for _, ev := range emitter.ReplaySince(resp.RequestID, 0) {
		fmt.Fprintf(os.Stderr, "   event %s\n", ev.Marshal())
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics endpoint failed", zap.Error(err))
	}
}

func openHistoryStore(cfg *config.Config, logger *zap.Logger) predictor.HistoryStore {
	switch cfg.History.Driver {
	case "sqlite3", "postgres":
		store, err := predictor.OpenSQLStore(cfg.History.Driver, cfg.History.DSN, cfg.Predictor.Window, logger)
		if err != nil {
			logger.Warn("history store unavailable, predictions use defaults", zap.Error(err))
			return predictor.NewMemoryStore(cfg.Predictor.Window)
		}
		return store
	default:
		return predictor.NewMemoryStore(cfg.Predictor.Window)
	}
}

func openSessionStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) *session.Store {
	opts := session.Options{
		TTL:        cfg.Session.TTL,
		MaxHistory: cfg.Session.MaxHistory,
	}
	if cfg.Session.RedisAddr == "" {
		return session.NewStore(nil, opts, logger)
	}
	store, err := session.Connect(ctx, cfg.Session.RedisAddr, cfg.Session.RedisPassword, opts, logger)
	if err != nil {
		logger.Warn("redis unavailable, sessions are memory-only", zap.Error(err))
		return session.NewStore(nil, opts, logger)
	}
	return store
}

func buildBackend(cfg *config.Config, logger *zap.Logger) (llm.Backend, error) {
	var backend llm.Backend
	switch cfg.Backend.Provider {
	case "scripted":
		scripted := llm.NewScriptedBackend()
		scripted.Default = llm.Script{Chunks: []llm.ScriptedChunk{{Text: "scripted backend reply"}}}
		backend = scripted
	default:
		apiKey := cfg.Backend.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("backend.api_key or OPENAI_API_KEY required for the openai provider")
		}
		backend = llm.NewOpenAIBackend(llm.OpenAIConfig{
			BaseURL:    cfg.Backend.BaseURL,
			APIKey:     apiKey,
			FullModel:  cfg.Backend.FullModel,
			LightModel: cfg.Backend.LightModel,
			MaxTokens:  cfg.Backend.MaxTokens,
		}, logger)
	}

	if cfg.Backend.RateLimitTable != "" {
		limiter, err := ratecontrol.LoadFile(cfg.Backend.RateLimitTable)
		if err != nil {
			return nil, fmt.Errorf("rate limit table: %w", err)
		}
		backend = llm.RateLimited(backend, limiter)
	}

	breaker := circuitbreaker.New("backend", circuitbreaker.Config{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.Interval,
		Timeout:          cfg.Breaker.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, logger)
	return llm.WithBreaker(backend, breaker), nil
}

// registerBuiltinTools installs the handful of local tools the cheap tiers
// and the autonomous loop can call. Real deployments register their own.
func registerBuiltinTools(registry *tools.Registry) {
	registry.Register("clock", func(_ context.Context, _ map[string]string) (tools.Result, error) {
		return tools.Result{Success: true, Content: time.Now().Format(time.RFC1123)}, nil
	})
	registry.Register("echo", func(_ context.Context, args map[string]string) (tools.Result, error) {
		return tools.Result{Success: true, Content: args["text"] + args["input"] + args["query"]}, nil
	})
	registry.Register("search", func(_ context.Context, _ map[string]string) (tools.Result, error) {
		return tools.Result{Success: false, Error: "no search provider configured"}, nil
	})
}

func defaultPatternTable(logger *zap.Logger) classify.Provider {
	return classify.NewRegexTable([]classify.Rule{
		{Pattern: regexp.MustCompile(`^(what time is it|current time)\b`), Tool: "clock"},
		{Pattern: regexp.MustCompile(`^echo (?P<text>.+)$`), Tool: "echo"},
	}, logger)
}

func defaultKeywordClassifier(logger *zap.Logger) classify.Provider {
	return classify.NewKeywordClassifier([]classify.KeywordSet{
		{Tool: "clock", Keywords: []string{"time", "clock", "date"}, BaseConfidence: 0.6, Boost: 0.15},
		{Tool: "search", Keywords: []string{"latest", "news", "current"}, BaseConfidence: 0.5, Boost: 0.2},
	}, logger)
}
