package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clocking-import/common/database"
	mqttcommon "clocking-import/common/mqtt"
	rediscommon "clocking-import/common/redis"
	"clocking-import/internal/config"
	"clocking-import/internal/consumer"
	"clocking-import/internal/directory"
	httpapi "clocking-import/internal/http"
	"clocking-import/internal/metrics"
	"clocking-import/internal/notify"
	"clocking-import/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// ImportService 打卡导入服务：HTTP 上传入口 + Redis Streams 任务消费者
type ImportService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	metrics     *metrics.Metrics
	consumer    *consumer.JobConsumer
	server      *http.Server
}

// NewImportService 创建打卡导入服务
func NewImportService(cfg *config.Config, logger *zap.Logger) (*ImportService, error) {
	s := &ImportService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	// 初始化数据库（可关闭，关闭时使用内存存储）
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := repository.InitSchema(ctx, db); err != nil {
			s.closeAll()
			return nil, err
		}
	} else {
		logger.Warn("Database disabled, using in-memory repositories")
	}

	repos, err := buildRepositories(cfg, s.db, logger)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	// 初始化 Redis（任务队列、重试队列、结果流）
	s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	notifiers := []notify.Notifier{notify.NewStreamNotifier(s.redisClient, cfg.Import.ResultStream)}
	if cfg.MQTT.Enabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT.MQTTConfig, logger)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.mqttClient = mqttClient
		notifiers = append(notifiers, notify.NewMQTTNotifier(mqttClient, cfg.MQTT.Topic))
	}

	processor := NewImportProcessor(cfg, repos, s.metrics, logger)
	s.consumer = consumer.NewJobConsumer(
		cfg,
		s.redisClient,
		processor,
		notify.NewMulti(logger, notifiers...),
		s.metrics,
		logger,
	)

	router := httpapi.NewRouter(s.metrics, logger)
	router.RegisterImportRoutes(httpapi.NewImportHandler(
		cfg.Import.UploadDir,
		consumer.NewQueue(s.redisClient, cfg.Import.Stream),
		repos.RawPunches,
		logger,
	))
	router.RegisterOpsRoutes()

	s.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// buildRepositories 按配置选择存储与员工目录实现
func buildRepositories(cfg *config.Config, db *sql.DB, logger *zap.Logger) (Repositories, error) {
	var repos Repositories
	if db != nil {
		repos = Repositories{
			RawPunches: repository.NewPostgresRawPunchRepo(db, logger),
			Attendance: repository.NewPostgresAttendanceRepo(db, logger),
			Incidences: repository.NewPostgresIncidenceRepo(db, logger),
			Rules:      repository.NewPostgresRuleRepo(db, logger),
		}
	} else {
		repos = Repositories{
			RawPunches: repository.NewMemoryRawPunchRepo(),
			Attendance: repository.NewMemoryAttendanceRepo(),
			Incidences: repository.NewMemoryIncidenceRepo(),
			Rules:      repository.NewMemoryRuleRepo(),
		}
	}

	switch cfg.Directory.Mode {
	case "http":
		if cfg.Directory.URL == "" {
			return Repositories{}, errors.New("directory url is required when DIRECTORY_MODE=http")
		}
		repos.Directory = directory.NewHTTPDirectory(cfg.Directory.URL, cfg.Directory.Timeout, logger)
	case "", "postgres":
		if db != nil {
			repos.Directory = repository.NewPostgresDirectory(db, logger)
		} else {
			logger.Warn("No database for employee directory, every punch will be unresolved")
			repos.Directory = repository.NewMemoryDirectory()
		}
	default:
		return Repositories{}, fmt.Errorf("unsupported directory mode: %s", cfg.Directory.Mode)
	}

	return repos, nil
}

// Start 启动服务（阻塞直到 ctx 取消或消费者退出）
func (s *ImportService) Start(ctx context.Context) error {
	s.logger.Info("Starting clocking import service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.String("stream", s.config.Import.Stream),
		zap.String("directory_mode", s.config.Directory.Mode),
		zap.Bool("db_enabled", s.config.DBEnabled),
		zap.Bool("mqtt_enabled", s.config.MQTT.Enabled),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return s.consumer.Start(ctx)
}

// Stop 停止服务
func (s *ImportService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping clocking import service")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	s.closeAll()

	s.logger.Info("Clocking import service stopped")
	return nil
}

func (s *ImportService) closeAll() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭 Redis
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}

	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
