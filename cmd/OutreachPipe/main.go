// Command OutreachPipe runs the player outreach pipeline.
//
//	OutreachPipe [flags] serve [-cron]   serve the webhook and job API, optionally firing jobs on cron
//	OutreachPipe [flags] run <job>       run one batch job and print its JSON summary
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/api"
	"github.com/BTreeMap/OutreachPipe/internal/config"
	"github.com/BTreeMap/OutreachPipe/internal/delivery"
	"github.com/BTreeMap/OutreachPipe/internal/distlock"
	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/inbound"
	"github.com/BTreeMap/OutreachPipe/internal/lockfile"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/ratelimit"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/synth"
	"github.com/BTreeMap/OutreachPipe/internal/trigger"
	"github.com/BTreeMap/OutreachPipe/internal/twiliosms"
	"github.com/redis/go-redis/v9"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// jobLockTTL bounds how long a crashed job can hold a Redis lock.
const jobLockTTL = 30 * time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	flags, err := parseCommandLineFlags(args, &cfg, stderr)
	if err != nil {
		return exitUsage
	}
	initializeLogger(cfg, stderr)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return exitFailure
	}

	rest := flags.Args()
	if len(rest) == 0 {
		usage(stderr)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
		serveFlags.SetOutput(stderr)
		withCron := serveFlags.Bool("cron", false, "fire the batch jobs on their cron schedules")
		if err := serveFlags.Parse(rest[1:]); err != nil {
			return exitUsage
		}
		return serve(ctx, cfg, *withCron)
	case "run":
		if len(rest) != 2 {
			usage(stderr)
			return exitUsage
		}
		return runJob(ctx, cfg, rest[1], stdout)
	default:
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: OutreachPipe [flags] serve [-cron]\n       OutreachPipe [flags] run <%s|%s|%s>\n",
		trigger.JobName, delivery.ScheduledSendJob, delivery.AutoReplyJob)
}

// parseCommandLineFlags lets flags override the environment configuration.
func parseCommandLineFlags(args []string, cfg *config.Config, stderr io.Writer) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet("OutreachPipe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for OutreachPipe data (overrides $OUTREACHPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "database DSN; defaults to SQLite in the state directory (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for rate limits and job locks (overrides $REDIS_ADDR)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (overrides $LOG_FORMAT)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

// initializeLogger installs the default slog handler.
func initializeLogger(cfg config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevelValue()}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func serve(ctx context.Context, cfg config.Config, withCron bool) int {
	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize OutreachPipe", "error", err)
		return exitFailure
	}
	defer a.Close()

	if withCron {
		sched := scheduler.NewScheduler()
		schedules := map[string]string{
			trigger.JobName:           cfg.TriggerDetectionCron,
			delivery.ScheduledSendJob: cfg.ScheduledSendCron,
			delivery.AutoReplyJob:     cfg.AutoReplyCron,
		}
		for name, expr := range schedules {
			if err := sched.AddBatchJob(ctx, name, expr, a.jobs[name]); err != nil {
				slog.Error("Failed to schedule job", "job", name, "cron", expr, "error", err)
				return exitFailure
			}
		}
		sched.Start()
		defer sched.Stop()
	}

	if err := a.server.Run(ctx, cfg.APIAddr); err != nil {
		slog.Error("OutreachPipe server failed", "error", err)
		return exitFailure
	}
	slog.Info("OutreachPipe exited successfully")
	return exitOK
}

func runJob(ctx context.Context, cfg config.Config, name string, stdout io.Writer) int {
	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize OutreachPipe", "error", err)
		return exitFailure
	}
	defer a.Close()

	job, ok := a.jobs[name]
	if !ok {
		slog.Error("Unknown job", "job", name)
		return exitUsage
	}
	summary := job.Run(ctx)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		slog.Error("Failed to write job summary", "error", err)
		return exitFailure
	}
	if summary.JobFailed() {
		return exitFailure
	}
	return exitOK
}

// app holds the wired pipeline.
type app struct {
	store  store.Store
	redis  *redis.Client
	lock   *lockfile.Lock
	jobs   map[string]scheduler.Job
	server *api.Server
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dsn := cfg.DSN()
	if store.DetectDSNType(dsn) != "postgres" {
		// A file-backed SQLite database tolerates one process only.
		if a.lock, err = lockfile.Acquire(cfg.StateDir); err != nil {
			return nil, err
		}
	}
	if a.store, err = store.Open(dsn, store.WithQueryTimeout(cfg.QueryTimeout)); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	llm, err := buildCompleter(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := buildSMSSender(cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	gateway := messaging.NewGateway(sender,
		messaging.WithSendRate(cfg.SMSSendRate),
		messaging.WithDefaultRegion(cfg.DefaultPhoneRegion))
	locks := buildLockFactory(a.redis, a.store)

	detector := trigger.NewDetector(a.store, synth.New(a.store, llm, synth.WithMetrics(m)), triggerConfig(cfg, loc),
		trigger.WithLocks(locks), trigger.WithMetrics(m))
	scheduled := delivery.NewScheduledSender(a.store, gateway,
		delivery.WithLocks(locks), delivery.WithMetrics(m), delivery.WithLocation(loc),
		delivery.WithBatchSize(cfg.ScheduledSendBatch))
	replier := delivery.NewAutoReplier(a.store, llm, gateway,
		delivery.WithLocks(locks), delivery.WithMetrics(m), delivery.WithLocation(loc),
		delivery.WithBatchSize(cfg.AutoReplyBatch), delivery.WithPersonaName(cfg.PersonaName),
		delivery.WithStaleClaimAfter(cfg.StaleClaimAfter))
	a.jobs = map[string]scheduler.Job{
		trigger.JobName:           detector,
		delivery.ScheduledSendJob: scheduled,
		delivery.AutoReplyJob:     replier,
	}

	acc := inbound.NewAccumulator(a.store, buildLimiter(cfg, a.redis),
		inbound.WithDelayRange(cfg.ReplyMinDelay, cfg.ReplyMaxDelay),
		inbound.WithDefaultRegion(cfg.DefaultPhoneRegion),
		inbound.WithMetrics(m))

	apiOpts := []api.Option{api.WithJobsToken(cfg.JobsToken)}
	if cfg.TwilioValidateSig {
		apiOpts = append(apiOpts, api.WithSignatureValidator(messaging.NewSignatureValidator(cfg.TwilioAuthToken, cfg.TwilioWebhookURL)))
	}
	if cfg.JobsToken == "" {
		slog.Warn("JOBS_TOKEN not set: job and review routes are unauthenticated")
	}
	personas, _ := a.store.(api.PersonaStore)
	a.server = api.NewServer(api.Deps{
		Inbound:  acc,
		Jobs:     a.jobs,
		Reviews:  a.store,
		Personas: personas,
		Metrics:  m,
		Health:   a.health,
	}, apiOpts...)

	slog.Debug("OutreachPipe wired", "dsn_type", store.DetectDSNType(dsn), "redis", a.redis != nil,
		"twilio", cfg.TwilioConfigured(), "timezone", loc.String())
	return a, nil
}

// health pings the database and, when configured, Redis.
func (a *app) health(ctx context.Context) error {
	var errs []error
	if p, ok := a.store.(interface{ DB() *sql.DB }); ok {
		if err := p.DB().PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases everything newApp opened. It tolerates a partially built app.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("Failed to close redis", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}
}

// buildCompleter constructs the OpenAI client.
func buildCompleter(cfg config.Config) (*genai.Client, error) {
	opts := []genai.Option{
		genai.WithAPIKey(cfg.OpenAIKey),
		genai.WithModel(cfg.OpenAIModel),
		genai.WithRequestTimeout(cfg.LLMTimeout),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.OpenAIDebug {
		opts = append(opts, genai.WithDebug(cfg.StateDir))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model client: %w", err)
	}
	return client, nil
}

// buildSMSSender returns the Twilio client, or a logging mock when credentials are absent.
func buildSMSSender(cfg config.Config) (twiliosms.Sender, error) {
	if !cfg.TwilioConfigured() {
		slog.Warn("Twilio credentials not set: outbound SMS will be recorded, not sent")
		return twiliosms.NewMockClient(), nil
	}
	client, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(cfg.TwilioAccountSID),
		twiliosms.WithAuthToken(cfg.TwilioAuthToken),
		twiliosms.WithFromNumber(cfg.TwilioFromNumber),
		twiliosms.WithTimeout(cfg.SMSTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create SMS client: %w", err)
	}
	return client, nil
}

// buildLockFactory prefers Redis, then Postgres advisory locks. SQLite runs
// single-process under the state directory lock, so its jobs need no lock.
func buildLockFactory(rdb *redis.Client, st store.Store) distlock.Factory {
	var db *sql.DB
	if pg, ok := st.(*store.PostgresStore); ok {
		db = pg.DB()
	}
	return distlock.NewFactory(rdb, db, jobLockTTL)
}

func buildLimiter(cfg config.Config, rdb *redis.Client) ratelimit.Limiter {
	if rdb != nil {
		return ratelimit.NewRedisLimiter(rdb, cfg.RedisPrefix+":inbound", cfg.InboundRateLimit, cfg.InboundRateWindow)
	}
	return ratelimit.NewMemoryLimiter(cfg.InboundRateLimit, cfg.InboundRateWindow)
}

func triggerConfig(cfg config.Config, loc *time.Location) trigger.Config {
	return trigger.Config{
		Location:                loc,
		MissedPatternGraceHours: cfg.MissedPatternGraceHours,
		DropoutMinActiveWeeks:   cfg.DropoutMinActiveWeeks,
		DropoutInactiveDays:     cfg.DropoutInactiveDays,
		JackpotThreshold:        cfg.JackpotThreshold,
		LossThreshold:           cfg.LossThreshold,
		LossWindow:              cfg.LossWindow,
		DropoutDedup:            cfg.DropoutDedup,
		JackpotDedup:            cfg.JackpotDedup,
		LossDedup:               cfg.LossDedup,
		Concurrency:             cfg.TriggerConcurrency,
	}
}
