package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowmint/internal/auth"
	"flowmint/internal/chain"
	"flowmint/internal/circuit"
	"flowmint/internal/client/jupiter"
	"flowmint/internal/client/solanarpc"
	"flowmint/internal/config"
	cronrunner "flowmint/internal/cron"
	"flowmint/internal/db"
	"flowmint/internal/handler"
	"flowmint/internal/lock"
	"flowmint/internal/logger"
	"flowmint/internal/metrics"
	"flowmint/internal/notify"
	"flowmint/internal/repository"
	gormrepository "flowmint/internal/repository/gorm"
	"flowmint/internal/repository/memory"
	"flowmint/internal/retry"
	"flowmint/internal/service"
	"flowmint/internal/telemetry"

	_ "flowmint/docs"
)

func main() {
	cfgPath := os.Getenv("FM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("FM_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log, cfg.Telemetry.ServiceName, cfg.App.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), cfg.Telemetry, telemetry.Options{})
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	var (
		store  repository.Repository
		dbConn *db.DB
	)
	inMemory := strings.EqualFold(cfg.Storage.Driver, "memory")
	if inMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		store = memory.New()
	} else {
		dbConn, err = db.Open(cfg.DB, logger)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)

		if err := db.SetTimezone(context.Background(), dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
	}

	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New(promReg)

	var (
		locker      lock.Locker = lock.NewMemoryLocker()
		redisClient *redis.Client
	)
	if cfg.Redis.Addr != "" {
		redisLocker := lock.NewRedisLocker(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisLocker.Close()
		redisClient = redisLocker.Client
		locker = redisLocker
	}

	circuits := circuit.NewRegistry(logger, circuitConfigs(cfg.Circuit))
	circuits.OnStateChange = func(change circuit.StateChange) {
		engineMetrics.CircuitChange(string(change.Type), string(change.To))
	}

	signer, err := service.NewSigner(cfg.Attestation.Scheme, cfg.Attestation.PrivateKey)
	if err != nil {
		logger.Fatal("attestation signer init failed", zap.Error(err))
	}
	logger.Info("attestation signer ready",
		zap.String("scheme", signer.Scheme()),
		zap.String("public_key", signer.PublicKey()),
	)

	venueClient := jupiter.NewClient(jupiter.Options{
		BaseURL:    cfg.Jupiter.BaseURL,
		APIKey:     cfg.Jupiter.APIKey,
		HTTPClient: &http.Client{Timeout: cfg.Jupiter.Timeout},
		Logger:     logger,
	})
	chainClient := solanarpc.NewClient(solanarpc.Options{
		RPCURL:       cfg.Solana.RPCURL,
		WSURL:        cfg.Solana.WSURL,
		Commitment:   cfg.Solana.Commitment,
		PollInterval: cfg.Solana.PollInterval,
		Logger:       logger,
	})
	var txSigner chain.TransactionSigner
	if cfg.Solana.SignerKey != "" {
		s, err := solanarpc.NewTransactionSigner(cfg.Solana.SignerKey)
		if err != nil {
			logger.Fatal("solana signer init failed", zap.Error(err))
		}
		logger.Info("solana co-signer ready", zap.String("pubkey", s.PublicKey().String()))
		txSigner = s
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Webhook.URL != "" && settingsSvc.IsEnabled(ctx, service.FeatureWebhooks, true) {
		webhook := notify.NewWebhookNotifier(notify.WebhookOptions{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Rate:    cfg.Webhook.Rate,
			Burst:   cfg.Webhook.Burst,
			Timeout: cfg.Webhook.Timeout,
			Logger:  logger,
		})
		webhook.Start(ctx)
		defer webhook.Close()
		notifier = webhook
	}

	invoiceSvc := &service.InvoiceService{
		Repo:           store,
		Locker:         locker,
		Notifier:       notifier,
		Metrics:        engineMetrics,
		Logger:         logger,
		ReservationTTL: cfg.Reservation.TTL,
		DefaultExpiry:  cfg.Reservation.InvoiceDefaultExpiry,
		MaxExpiry:      cfg.Reservation.InvoiceMaxExpiry,
	}
	attestationSvc := &service.AttestationService{
		Repo:          store,
		Signer:        signer,
		Logger:        logger,
		Metrics:       engineMetrics,
		VerifyBaseURL: cfg.Attestation.VerifyBaseURL,
	}
	policySvc := &service.PolicyService{Repo: store}

	retryPolicy := retry.DefaultPolicy()
	if cfg.Retry.MaxToleranceBps > 0 {
		retryPolicy.MaxToleranceBps = cfg.Retry.MaxToleranceBps
	}
	if cfg.Retry.ToleranceStepBps > 0 {
		retryPolicy.ToleranceStepBps = cfg.Retry.ToleranceStepBps
	}
	retryPolicy.StrictRisk = cfg.Retry.StrictRisk
	retryPolicy.JitterFraction = cfg.Retry.JitterFraction

	executor := &service.LegExecutor{
		Repo:           store,
		Invoices:       invoiceSvc,
		Attestations:   attestationSvc,
		Venue:          venueClient,
		Chain:          chainClient,
		TxSigner:       txSigner,
		Circuits:       circuits,
		Locker:         locker,
		Settings:       settingsSvc,
		Notifier:       notifier,
		Metrics:        engineMetrics,
		Logger:         logger,
		RetryPolicy:    retryPolicy,
		ConfirmTimeout: cfg.Solana.ConfirmTimeout,
		LockTTL:        cfg.Redis.LockTTL,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	// Circuit ids such as route:jupiter/poolA arrive percent-encoded.
	engine.UseRawPath = true
	engine.Use(gin.Recovery())
	if cfg.Telemetry.TraceExporter != "" {
		engine.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	}
	engine.Use(corsMiddleware())
	engine.Use(handler.AuditMiddleware(logger))

	var merchantAuth, operatorAuth gin.HandlerFunc
	if cfg.Auth.Disabled {
		logger.Warn("api authentication disabled")
	} else {
		if cfg.Auth.JWTSecret == "" {
			logger.Fatal("auth.jwt_secret is required unless auth.disabled is set")
		}
		jwtAuth := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret)}
		merchantAuth = auth.Middleware(jwtAuth, auth.RoleMerchant, auth.RoleOperator)
		operatorAuth = auth.Middleware(jwtAuth, auth.RoleOperator)
	}

	healthHandler := &handler.HealthHandler{InMemory: inMemory, Redis: redisClient}
	if dbConn != nil {
		healthHandler.DB = dbConn.Gorm
	}
	healthHandler.Register(engine)
	invoiceHandler := &handler.InvoiceHandler{
		Invoices:     invoiceSvc,
		Attestations: attestationSvc,
		MerchantAuth: merchantAuth,
	}
	invoiceHandler.Register(engine)
	reservationHandler := &handler.ReservationHandler{Invoices: invoiceSvc, Executor: executor}
	reservationHandler.Register(engine)
	attestationHandler := &handler.AttestationHandler{Attestations: attestationSvc}
	attestationHandler.Register(engine)
	policyHandler := &handler.PolicyHandler{Policies: policySvc, MerchantAuth: merchantAuth}
	policyHandler.Register(engine)
	opsHandler := &handler.OperationsHandler{
		Circuits:     circuits,
		Invoices:     invoiceSvc,
		Settings:     settingsSvc,
		OperatorAuth: operatorAuth,
	}
	opsHandler.Register(engine)

	if cfg.Telemetry.MetricsEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add("reservation_sweep", cfg.Cron.Sweep, func(ctx context.Context) {
			if !settingsSvc.IsEnabled(ctx, service.FeatureReservationSweep, true) {
				return
			}
			result, err := invoiceSvc.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("reservation sweep failed", zap.Error(err))
				return
			}
			if result.Reservations > 0 || result.Invoices > 0 {
				logger.Info("reservation sweep ok",
					zap.Int("reservations", result.Reservations),
					zap.Int("invoices", result.Invoices),
				)
			}
		})
		if err != nil {
			logger.Warn("cron register reservation sweep failed", zap.Error(err))
		}

		_, err = cronRunner.Add("circuit_snapshot", cfg.Cron.CircuitSnapshot, func(ctx context.Context) {
			if !settingsSvc.IsEnabled(ctx, service.FeatureCircuitSnapshot, true) {
				return
			}
			for _, st := range circuits.Snapshot() {
				if st.State == circuit.StateClosed {
					continue
				}
				logger.Info("circuit not closed",
					zap.String("id", st.ID),
					zap.String("state", string(st.State)),
					zap.Int("consecutive_failures", st.ConsecutiveFailures),
				)
			}
		})
		if err != nil {
			logger.Warn("cron register circuit snapshot failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

// circuitConfigs overlays non-zero configured thresholds on the defaults.
func circuitConfigs(c config.CircuitConfig) map[circuit.ResourceType]circuit.Config {
	overrides := map[circuit.ResourceType]config.CircuitThresholds{
		circuit.ResourceVenue:    c.Venue,
		circuit.ResourceEndpoint: c.Endpoint,
		circuit.ResourceToken:    c.Token,
		circuit.ResourceRoute:    c.Route,
	}
	out := make(map[circuit.ResourceType]circuit.Config, len(overrides))
	for t, o := range overrides {
		cfg := circuit.DefaultConfig(t)
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.SuccessThreshold > 0 {
			cfg.SuccessThreshold = o.SuccessThreshold
		}
		if o.Timeout > 0 {
			cfg.Timeout = o.Timeout
		}
		if o.MonitoringWindow > 0 {
			cfg.MonitoringWindow = o.MonitoringWindow
		}
		if o.FailureRateThreshold > 0 {
			cfg.FailureRateThreshold = o.FailureRateThreshold
		}
		if o.MinimumRequests > 0 {
			cfg.MinimumRequests = o.MinimumRequests
		}
		out[t] = cfg
	}
	return out
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Idempotency-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
