package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"patisserie/server/internal/api"
	"patisserie/server/internal/config"
	"patisserie/server/internal/database"
	"patisserie/server/internal/models"
	"patisserie/server/internal/services"
	"patisserie/server/internal/utils"
)

func main() {
	// .env нужен только для локальной разработки
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Некорректная конфигурация")
	}
	setupLogger(cfg)
	if envErr != nil {
		log.Info().Msg("ℹ️ .env файл не найден, используем переменные окружения системы")
	}
	log.Info().Str("database_url", maskDatabaseURL(cfg.DatabaseURL)).Str("env", cfg.Environment).Msg("📋 Конфигурация загружена")

	ctx := context.Background()

	// PostgreSQL обязателен: без него остатки не ведутся
	db, err := database.ConnectPostgres(ctx, cfg.DatabaseURL, database.DefaultPoolOptions)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ PostgreSQL connection failed")
	}
	defer database.ClosePostgres(db)

	if err := models.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("❌ Migration failed")
	}

	// Redis опционален: кэш оценки и pub/sub
	var redisClient *redis.Client
	var redisUtil *utils.RedisClient
	redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL, cfg.RedisSentinelAddrs, cfg.RedisMasterName)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Redis недоступен, кэш и pub/sub отключены")
		redisClient = nil
	} else {
		defer database.CloseRedis(redisClient)
		redisUtil = utils.NewRedisClient(redisClient)
	}

	costingPolicy, err := services.ParseCostingPolicy(cfg.CostingPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Некорректная политика себестоимости")
	}
	retry := services.RetryPolicy{MaxAttempts: cfg.MovementMaxRetries, BaseDelay: cfg.MovementRetryBaseDelay}

	ledger := services.NewLedgerService(db, retry)
	costs := services.NewRecipeCostService(db, costingPolicy)
	recipes := services.NewRecipeService(db, costs)
	recipes.SetAllowSelfReferencing(cfg.AllowSelfReferencingRecipes)
	stock := services.NewStockService(db, ledger, retry)
	orders := services.NewOrderService(db, ledger, costs, stock, retry)
	if redisUtil != nil {
		recipes.SetRedisUtil(redisUtil)
		stock.SetRedisUtil(redisUtil, cfg.StockValueCacheTTL)
	}
	log.Info().Str("costing_policy", string(costingPolicy)).Int("max_retries", retry.MaxAttempts).Msg("✅ Сервисы остатков инициализированы")

	// События склада: Kafka -> consumer -> WebSocket, без Kafka прямо в хаб
	hub := api.NewStockHub()
	go hub.Run()
	defer hub.Stop()

	var writer *kafka.Writer
	var consumer *api.KafkaStockConsumer
	if brokers := api.ParseKafkaBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		auth := api.KafkaAuth{Username: cfg.KafkaUsername, Password: cfg.KafkaPassword, CACert: cfg.KafkaCACert}
		writer = api.NewStockEventWriter(brokers, cfg.KafkaStockTopic, auth)

		hostname, _ := os.Hostname()
		consumer = api.NewKafkaStockConsumer(brokers, cfg.KafkaStockTopic, hostname, auth, hub)
		consumer.Start()
		defer consumer.Stop()
		log.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaStockTopic).Msg("📡 Kafka включен")
	} else {
		log.Info().Msg("ℹ️ KAFKA_BROKERS не задан, события идут в WebSocket напрямую")
	}
	publisher := api.NewStockEventPublisher(hub, redisUtil, writer)
	defer publisher.Close()
	stock.SetNotifier(publisher)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Controllers{
		Stock:  api.NewStockController(stock),
		Recipe: api.NewRecipeController(recipes, costs),
		Order:  api.NewOrderController(orders),
		WS:     api.NewWSController(hub),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC: только health для балансировщика
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go watchDatabase(db, healthServer)

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("❌ Не удалось открыть gRPC порт")
	}
	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("🚀 gRPC health server запущен")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("❌ gRPC server остановлен с ошибкой")
		}
	}()

	go func() {
		log.Info().Str("port", cfg.ServerPort).Msg("🚀 HTTP server запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("❌ HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Остановка сервера...")

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("❌ HTTP shutdown error")
	}
	grpcServer.GracefulStop()
	log.Info().Msg("✅ Сервер остановлен")
}

// watchDatabase переключает gRPC health в NOT_SERVING, пока PostgreSQL не отвечает
func watchDatabase(db *gorm.DB, healthServer *health.Server) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	serving := true
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := sqlDB.PingContext(ctx)
		cancel()
		if ok := err == nil; ok != serving {
			serving = ok
			if ok {
				healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
				log.Info().Msg("✅ PostgreSQL снова доступен")
			} else {
				healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				log.Error().Err(err).Msg("❌ PostgreSQL не отвечает")
			}
		}
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.IsProduction() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
}

// maskDatabaseURL скрывает пароль в DATABASE_URL
func maskDatabaseURL(raw string) string {
	at := strings.Index(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || scheme > at {
		return raw
	}
	return raw[:scheme+3] + "***@" + raw[at+1:]
}
