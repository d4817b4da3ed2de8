package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/gateway"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/routing"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Default configuration constants
const (
	// DefaultDBFileName is the SQLite database filename inside the state directory
	DefaultDBFileName = "flowpipe.db"
	// DefaultLocale is used for events that carry no locale
	DefaultLocale = "en"
	// redisPingTimeout bounds the startup connectivity check
	redisPingTimeout = 5 * time.Second
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(newLogger(os.Stdout, *flags.logLevel, *flags.logFormat))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr, "provider", *flags.provider, "redis_set", *flags.redisAddr != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowPipe with configured modules")
	if err := run(ctx, config, flags); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	APIAddr       string
	DatabaseURL   string
	StateDir      string
	FlowsFile     string
	DefaultLocale string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GatewayProvider  string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	ATUsername       string
	ATAPIKey         string
	ATSenderID       string
	ATSandbox        bool

	ProviderTimeout time.Duration
	SMSSessionTTL   time.Duration
	USSDSessionTTL  time.Duration
	SweepInterval   time.Duration

	LogLevel  string
	LogFormat string
}

// Flags holds command line flag values
type Flags struct {
	apiAddr   *string
	stateDir  *string
	dbDSN     *string
	flowsFile *string
	redisAddr *string
	provider  *string
	locale    *string
	logLevel  *string
	logFormat *string
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		APIAddr:       os.Getenv("API_ADDR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("FLOWPIPE_STATE_DIR"),
		FlowsFile:     os.Getenv("FLOWS_FILE"),
		DefaultLocale: os.Getenv("DEFAULT_LOCALE"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       util.ParseIntEnv("REDIS_DB", 0),

		GatewayProvider:  os.Getenv("GATEWAY_PROVIDER"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		ATUsername:       os.Getenv("AT_USERNAME"),
		ATAPIKey:         os.Getenv("AT_API_KEY"),
		ATSenderID:       os.Getenv("AT_SENDER_ID"),
		ATSandbox:        util.ParseBoolEnv("AT_SANDBOX", false),

		ProviderTimeout: util.ParseDurationEnv("PROVIDER_TIMEOUT", gateway.DefaultProviderTimeout),
		SMSSessionTTL:   util.ParseDurationEnv("SMS_SESSION_TTL", models.DefaultSMSSessionTTL),
		USSDSessionTTL:  util.ParseDurationEnv("USSD_SESSION_TTL", models.DefaultUSSDSessionTTL),
		// Zero disables the sweeper; expiry is enforced on read regardless.
		SweepInterval: util.ParseDurationEnv("SESSION_SWEEP_INTERVAL", 0),

		LogLevel:  os.Getenv("LOG_LEVEL"),
		LogFormat: os.Getenv("LOG_FORMAT"),
	}

	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.DefaultLocale == "" {
		config.DefaultLocale = DefaultLocale
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogFormat == "" {
		config.LogFormat = "text"
	}

	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"FLOWS_FILE", config.FlowsFile,
		"REDIS_ADDR", config.RedisAddr,
		"GATEWAY_PROVIDER", config.GatewayProvider,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"AT_USERNAME_SET", config.ATUsername != "",
		"PROVIDER_TIMEOUT", config.ProviderTimeout,
		"SESSION_SWEEP_INTERVAL", config.SweepInterval)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("flowpipe", flag.ContinueOnError)
	flags := Flags{
		apiAddr:   fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		stateDir:  fs.String("state-dir", config.StateDir, "state directory for the SQLite database (overrides $FLOWPIPE_STATE_DIR)"),
		dbDSN:     fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)"),
		flowsFile: fs.String("flows", config.FlowsFile, "YAML or JSON flow bundle applied at startup (overrides $FLOWS_FILE)"),
		redisAddr: fs.String("redis-addr", config.RedisAddr, "Redis address for session storage (overrides $REDIS_ADDR)"),
		provider:  fs.String("provider", config.GatewayProvider, "gateway provider: mock, twilio or africastalking (overrides $GATEWAY_PROVIDER)"),
		locale:    fs.String("default-locale", config.DefaultLocale, "locale for events without one (overrides $DEFAULT_LOCALE)"),
		logLevel:  fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
		logFormat: fs.String("log-format", config.LogFormat, "text or json (overrides $LOG_FORMAT)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

// newLogger builds the process logger from the configured level and format.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// storeDSN returns the database to open: an explicit DSN, else a SQLite file in the state
// directory, else "" for the in-memory store.
func storeDSN(flags Flags) string {
	if *flags.dbDSN != "" {
		return *flags.dbDSN
	}
	if *flags.stateDir != "" {
		return filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return ""
}

// openStore opens the configured backend, creating the state directory for SQLite files.
func openStore(flags Flags) (store.Store, error) {
	dsn := storeDSN(flags)
	if dsn == "" {
		slog.Warn("No database configured, using in-memory store; data is lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) != "postgres" {
		dir := filepath.Dir(dsn)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return store.Open(dsn)
}

// lockStateDir locks the directory of a SQLite database so that two processes never share
// it. It returns nil when the store is in memory or PostgreSQL.
func lockStateDir(flags Flags) (*lockfile.Lock, error) {
	dsn := storeDSN(flags)
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return nil, nil
	}
	return lockfile.Acquire(filepath.Dir(dsn))
}

// withRedisSessions moves session storage to Redis when an address is configured. Closing
// the returned store also closes the Redis client.
func withRedisSessions(ctx context.Context, st store.Store, config Config, addr string) (store.Store, error) {
	if addr == "" {
		return st, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	slog.Info("Using Redis for flow sessions", "addr", addr, "db", config.RedisDB)
	return store.WithRedisSessions(st, store.NewRedisSessionStore(client)), nil
}

// buildGatewayConfig maps configuration onto the provider settings.
func buildGatewayConfig(config Config, flags Flags) gateway.Config {
	return gateway.Config{
		Provider:         *flags.provider,
		TwilioAccountSID: config.TwilioAccountSID,
		TwilioAuthToken:  config.TwilioAuthToken,
		TwilioFromNumber: config.TwilioFromNumber,
		ATUsername:       config.ATUsername,
		ATAPIKey:         config.ATAPIKey,
		ATSenderID:       config.ATSenderID,
		ATSandbox:        config.ATSandbox,
	}
}

// loadFlows applies the startup flow bundle, if any.
func loadFlows(ctx context.Context, repo flow.BundleRepo, path string) error {
	if path == "" {
		slog.Debug("No flow bundle configured")
		return nil
	}
	b, err := flow.LoadBundleFile(path)
	if err != nil {
		return err
	}
	if err := b.Apply(ctx, repo); err != nil {
		return fmt.Errorf("failed to apply flow bundle %s: %w", path, err)
	}
	slog.Info("Flow bundle loaded", "path", path, "flows", len(b.Flows))
	return nil
}

// components is the wired application.
type components struct {
	store      store.Store
	dispatcher *gateway.Dispatcher
	pipeline   *messaging.Pipeline
	metrics    *metrics.Metrics
}

// buildComponents wires the provider, engine, dispatcher and pipeline over st.
func buildComponents(st store.Store, config Config, flags Flags, reg prometheus.Registerer) (*components, error) {
	provider, err := gateway.NewProvider(buildGatewayConfig(config, flags))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway provider: %w", err)
	}
	slog.Info("Gateway provider configured", "provider", provider.Name())

	m := metrics.New(reg)
	dispatcher := gateway.NewDispatcher(provider, st,
		gateway.WithTimeout(config.ProviderTimeout),
		gateway.WithMetrics(m),
		gateway.WithOptIns(st),
	)

	actions := flow.NewActionRegistry()
	flow.RegisterBuiltins(actions, st, provider)
	engine := flow.NewEngine(
		flow.WithActions(actions),
		flow.WithSessionTTL(models.ChannelSMS, config.SMSSessionTTL),
		flow.WithSessionTTL(models.ChannelUSSD, config.USSDSessionTTL),
	)

	locale := *flags.locale
	pipeline := messaging.NewPipeline(st, routing.NewResolver(st, locale), engine, dispatcher,
		messaging.WithPipelineMetrics(m),
		messaging.WithDefaultLocale(locale),
	)
	return &components{store: st, dispatcher: dispatcher, pipeline: pipeline, metrics: m}, nil
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockStateDir(flags)
	if err != nil {
		return err
	}
	defer lock.Release()

	base, err := openStore(flags)
	if err != nil {
		return err
	}
	st, err := withRedisSessions(ctx, base, config, *flags.redisAddr)
	if err != nil {
		base.Close()
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close storage cleanly", "error", err)
		}
	}()

	if err := loadFlows(ctx, st, *flags.flowsFile); err != nil {
		return err
	}

	c, err := buildComponents(st, config, flags, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	if config.SweepInterval > 0 {
		sweeper := store.NewSessionSweeper(st, config.SweepInterval).OnPurge(c.metrics.SessionsPurged)
		go sweeper.Run(ctx)
	}

	server := api.NewServer(st, c.pipeline, c.dispatcher, api.WithAddr(*flags.apiAddr))
	return server.Run(ctx)
}
