package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"message-ingest/handler"
	"message-ingest/internal/integrations/paramstore"
	"message-ingest/internal/metrics"
	"message-ingest/internal/repository"
	"message-ingest/internal/usecase"
)

const (
	backendAWS    = "aws"
	backendMemory = "memory"
)

// stores are the ledger's collaborators for one backend.
type stores struct {
	conversations usecase.ConversationStore
	hot           usecase.MessageStore
	archive       usecase.MessageStore
	creds         handler.CredentialProvider
	close         func()
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("message-ingest stopped", "err", err)
		os.Exit(1)
	}
}

// run wires the pipeline and serves until the server stops. Stores opened
// here are closed on every return path.
func run(ctx context.Context) error {
	// ---- Configuration (read only here) ----
	_ = godotenv.Load(".env")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	backend := strings.ToLower(envOr("STORE_BACKEND", backendAWS))
	threshold := envInt("HOT_TIER_THRESHOLD", usecase.DefaultHotTierThreshold)
	storeTimeout := envDuration("STORE_TIMEOUT", 5*time.Second)
	concurrency := envInt("ROUTER_CONCURRENCY", 4)
	httpAddr := os.Getenv("HTTP_ADDR")

	// ---- Stores ----
	var (
		st  stores
		err error
	)
	switch backend {
	case backendAWS:
		st, err = awsStores(ctx, storeTimeout)
	case backendMemory:
		st, err = memoryStores()
	default:
		err = errors.New("unknown STORE_BACKEND " + strconv.Quote(backend))
	}
	if err != nil {
		return fmt.Errorf("set up %s stores: %w", backend, err)
	}
	defer st.close()

	// ---- Pipeline ----
	rec := metrics.New(prometheus.DefaultRegisterer)
	ledger, err := usecase.NewLedger(st.conversations, st.hot, st.archive, threshold,
		usecase.WithLogger(logger), usecase.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	router, err := usecase.NewRouter(ledger, concurrency, usecase.WithLogger(logger), usecase.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(router, st.creds, handler.WithLogger(logger), handler.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if httpAddr == "" {
		lambda.Start(h.Handle)
		return nil
	}
	if err := serveHTTP(httpAddr, h); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func awsStores(ctx context.Context, timeout time.Duration) (stores, error) {
	stateTable, err := requiredEnv("STATE_TABLE")
	if err != nil {
		return stores{}, err
	}
	paramPrefix, err := requiredEnv("PARAM_PREFIX")
	if err != nil {
		return stores{}, err
	}
	paramPrefix = strings.TrimRight(paramPrefix, "/")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return stores{}, err
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return stores{}, err
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, repository.WithTimeout(timeout))
	if err != nil {
		return stores{}, err
	}

	archiveDSN := os.Getenv("ARCHIVE_DSN")
	if archiveDSN == "" {
		archiveDSN, err = ssmClient.GetParameter(ctx, paramPrefix+"/archive_dsn")
		if err != nil {
			return stores{}, err
		}
	}
	archive, err := repository.NewPostgresArchive(archiveDSN, timeout)
	if err != nil {
		return stores{}, err
	}

	creds, err := usecase.NewParamCredentials(ssmClient, paramPrefix)
	if err != nil {
		_ = archive.Close()
		return stores{}, err
	}

	return stores{
		conversations: stateClient,
		hot:           stateClient,
		archive:       archive,
		creds:         creds,
		close: func() {
			if err := archive.Close(); err != nil {
				slog.Warn("failed to close archive", "err", err)
			}
		},
	}, nil
}

func memoryStores() (stores, error) {
	secret, err := requiredEnv("WHATSAPP_APP_SECRET")
	if err != nil {
		return stores{}, err
	}
	token, err := requiredEnv("WHATSAPP_VERIFY_TOKEN")
	if err != nil {
		return stores{}, err
	}
	hot := repository.NewMemoryStore()
	return stores{
		conversations: hot,
		hot:           hot,
		archive:       repository.NewMemoryStore(),
		creds:         usecase.StaticCredentials{AppSecret: secret, VerifyToken: token},
		close:         func() {},
	}, nil
}

func serveHTTP(addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	slog.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func requiredEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
