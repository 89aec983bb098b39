package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meepleai/meeple-backend/internal/api"
	"github.com/meepleai/meeple-backend/internal/auth"
	"github.com/meepleai/meeple-backend/internal/config"
	"github.com/meepleai/meeple-backend/internal/dal"
	"github.com/meepleai/meeple-backend/internal/database/milvus"
	"github.com/meepleai/meeple-backend/internal/database/minio"
	"github.com/meepleai/meeple-backend/internal/database/mongo"
	"github.com/meepleai/meeple-backend/internal/database/mysql"
	"github.com/meepleai/meeple-backend/internal/database/redis"
	"github.com/meepleai/meeple-backend/internal/embedding"
	"github.com/meepleai/meeple-backend/internal/events"
	"github.com/meepleai/meeple-backend/internal/llm"
	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/rulebook/extractor"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/internal/rulebook/ocr"
	"github.com/meepleai/meeple-backend/internal/rulebook/pipeline"
	"github.com/meepleai/meeple-backend/internal/rulebook/splitters"
	"github.com/meepleai/meeple-backend/internal/rulebook/structured"
	"github.com/meepleai/meeple-backend/internal/rulebook/vectorstore"
	"github.com/meepleai/meeple-backend/internal/storage"
	"github.com/meepleai/meeple-backend/internal/tasks"
	"github.com/meepleai/meeple-backend/pkg/logger"
	"github.com/meepleai/meeple-backend/pkg/ratelimiter"
	"github.com/meepleai/meeple-backend/pkg/scheduler"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	appLogger := logger.New("meeple-api", "", "")
	appLogger.Info("Starting rulebook service")

	ctx := context.Background()

	// Relational store and schema
	db, err := mysql.GetDB(&cfg.MySQL)
	if err != nil {
		appLogger.Fatal("Failed to connect to MySQL: " + err.Error())
	}
	if err := db.AutoMigrate(&models.User{}, &models.Game{}, &models.Document{}, &models.VectorDocumentSummary{}); err != nil {
		appLogger.Fatal("Database migration failed: " + err.Error())
	}
	documentDAL := dal.NewDocumentDAL(db)
	gameDAL := dal.NewGameDAL(db)
	userDAL := dal.NewUserDAL(db)

	// Object storage for uploaded rulebooks
	minioClient, err := minio.GetClient(&cfg.MinIO)
	if err != nil {
		appLogger.Fatal("Failed to connect to MinIO: " + err.Error())
	}
	if err := minio.EnsureBucket(ctx, minioClient, cfg.MinIO.Bucket); err != nil {
		appLogger.Fatal("Failed to ensure rulebook bucket: " + err.Error())
	}
	fileStore := storage.NewMinIOStore(minioClient, cfg.MinIO.Bucket, cfg.Pipeline.CacheDir, appLogger)

	// Vector index
	milvusClient, err := milvus.GetClient(ctx, &cfg.Milvus)
	if err != nil {
		appLogger.Fatal("Failed to connect to Milvus: " + err.Error())
	}
	vectorStore, err := vectorstore.NewMilvusStore(milvusClient, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create vector store: " + err.Error())
	}
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		appLogger.Fatal("Failed to ensure vector collection: " + err.Error())
	}

	// Task audit store (optional)
	var taskStore tasks.TaskStore = tasks.NoopTaskStore{}
	var taskReader api.TaskReader
	if cfg.Mongo.Address != "" {
		mongoDB, err := mongo.GetDatabase(ctx, &cfg.Mongo)
		if err != nil {
			appLogger.Fatal("Failed to connect to MongoDB: " + err.Error())
		}
		mongoStore := tasks.NewMongoTaskStore(mongoDB, cfg.Mongo.Collection)
		taskStore = mongoStore
		taskReader = mongoStore
	}

	// Pipeline event publisher (optional)
	var publisher interfaces.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, appLogger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	// Extraction engines
	ocrEngine := ocr.NewTesseractEngine(&cfg.OCR, appLogger)
	pdfExtractor := extractor.NewPDFExtractor(ocrEngine, cfg.Pipeline.DensityThreshold, appLogger)
	var structuredExtractor interfaces.StructuredExtractor
	if cfg.PDFParser.Endpoint != "" {
		structuredExtractor = structured.NewSidecarExtractor(&cfg.PDFParser, appLogger)
	}

	splitter, err := splitters.NewCharSplitter(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
	if err != nil {
		appLogger.Fatal("Invalid chunking configuration: " + err.Error())
	}
	embedder := embedding.NewOpenRouterModel(&cfg.OpenRouter)
	chatModel := llm.NewOpenRouterLLM(&cfg.OpenRouter)

	sched := scheduler.New(cfg.Pipeline.Workers, 256, taskStore, appLogger)
	defer sched.Stop()

	ingestion := pipeline.NewIngestionPipeline(
		documentDAL, fileStore, pdfExtractor, structuredExtractor,
		splitter, embedder, vectorStore, publisher,
		sched, cfg.Pipeline.StorageRoot, appLogger,
	)
	retrieval := pipeline.NewRetrievalPipeline(embedder, vectorStore, cfg.Pipeline.SearchLimit, appLogger)
	qa := pipeline.NewQAPipeline(retrieval, chatModel, appLogger)

	authService := auth.NewService(userDAL, cfg.Auth.JwtSecret, time.Duration(cfg.Auth.TokenTTL)*time.Second)

	var limiter ratelimiter.RateLimiter
	if cfg.RateLimiter.Enabled {
		redisClient, err := redis.GetClient(&cfg.Redis)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis: " + err.Error())
		}
		limiter = ratelimiter.NewRedisTokenBucket(redisClient, cfg.RateLimiter.Rate, cfg.RateLimiter.Capacity)
	}

	health := map[string]api.HealthChecker{
		"mysql":  mysql.HealthCheck,
		"minio":  minio.HealthCheck,
		"milvus": milvusClient.HealthCheck,
	}
	if cfg.RateLimiter.Enabled {
		health["redis"] = redis.HealthCheck
	}
	if cfg.Mongo.Address != "" {
		health["mongodb"] = mongo.HealthCheck
	}

	handler := api.NewHandler(ingestion, documentDAL, gameDAL, taskReader, qa, authService, health, appLogger)
	router := api.SetupRouter(handler, cfg.Auth.JwtSecret, limiter)

	server := &http.Server{
		Addr:    cfg.App.ListenAddr,
		Handler: router,
	}

	go func() {
		appLogger.Info("Listening on " + cfg.App.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Server error: " + err.Error())
		}
	}()

	// Graceful shutdown: stop accepting requests, then drain the
	// scheduler so in-flight pipeline stages commit their status.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Forced shutdown: " + err.Error())
	}
}
