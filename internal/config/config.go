package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "clocking-import/common/config"
)

// Config 打卡导入服务配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig
	MQTT      struct {
		commoncfg.MQTTConfig
		Enabled bool
		Topic   string // 导入结果通知主题
	}

	// 导入服务特定配置
	Import struct {
		// Redis Streams 配置
		Stream           string // 导入任务流，如 "clockings:import:stream"
		RetryKey         string // 延迟重试队列（ZSET）
		DeadLetterStream string // 重试耗尽后的失败任务流
		ResultStream     string // 任务结果通知流
		ConsumerGroup    string
		ConsumerName     string
		ReadCount        int64         // 每次 XREADGROUP 读取条数
		ReadBlock        time.Duration // XREADGROUP 阻塞时间

		BatchSize   int           // 每处理 N 条打卡刷新一次
		MaxAttempts int           // 任务最大尝试次数
		Backoff     time.Duration // 首次重试等待时间，之后指数增长
		JobTimeout  time.Duration

		Timezone  string // 打卡文件时间所在时区
		UploadDir string

		DatDelimiter string
		CSVDelimiter string
		Columns      map[string]string // 逻辑列名 -> 文件列名
	}

	Directory struct {
		Mode    string // "postgres" 或 "http"
		URL     string
		Timeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "attendance"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "clocking-import"
	cfg.MQTT.QoS = 1
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "clockings/import/results")

	cfg.Import.Stream = getEnv("IMPORT_STREAM", "clockings:import:stream")
	cfg.Import.RetryKey = getEnv("IMPORT_RETRY_KEY", "clockings:import:retry")
	cfg.Import.DeadLetterStream = getEnv("IMPORT_DEAD_LETTER_STREAM", "clockings:import:failed")
	cfg.Import.ResultStream = getEnv("IMPORT_RESULT_STREAM", "clockings:import:results")
	cfg.Import.ConsumerGroup = getEnv("CONSUMER_GROUP", "clocking-import-group")
	cfg.Import.ConsumerName = getEnv("CONSUMER_NAME", defaultConsumerName())
	cfg.Import.ReadCount = 1
	cfg.Import.ReadBlock = 5 * time.Second

	cfg.Import.BatchSize = parseInt(getEnv("IMPORT_BATCH_SIZE", "250"), 250)
	cfg.Import.MaxAttempts = parseInt(getEnv("IMPORT_MAX_ATTEMPTS", "3"), 3)
	cfg.Import.Backoff = time.Duration(parseInt(getEnv("IMPORT_BACKOFF_MS", "5000"), 5000)) * time.Millisecond
	cfg.Import.JobTimeout = time.Duration(parseInt(getEnv("IMPORT_JOB_TIMEOUT_SEC", "600"), 600)) * time.Second

	cfg.Import.Timezone = getEnv("CLOCKINGS_TIMEZONE", "America/Mexico_City")
	cfg.Import.UploadDir = getEnv("FILE_UPLOAD_DIR", "tmp/uploads")

	cfg.Import.DatDelimiter = getEnv("DAT_DELIMITER", "|")
	cfg.Import.CSVDelimiter = getEnv("CSV_DELIMITER", ",")
	cfg.Import.Columns = map[string]string{
		"employeeCode": getEnv("CSV_COLUMN_EMPLOYEE_CODE", "employeeCode"),
		"deviceId":     getEnv("CSV_COLUMN_DEVICE_ID", "deviceId"),
		"timestamp":    getEnv("CSV_COLUMN_TIMESTAMP", "timestamp"),
	}

	cfg.Directory.Mode = strings.ToLower(getEnv("DIRECTORY_MODE", "postgres"))
	cfg.Directory.URL = getEnv("DIRECTORY_URL", "http://localhost:4000/api/internal")
	cfg.Directory.Timeout = time.Duration(parseInt(getEnv("DIRECTORY_TIMEOUT_SEC", "10"), 10)) * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func defaultConsumerName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "clocking-import-" + hostname
	}
	return "clocking-import-1"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil || i <= 0 {
		return def
	}
	return i
}
