package imgflow

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProcessorTransportHTTP  = "http"
	ProcessorTransportNATS  = "nats"
	ProcessorTransportLocal = "local"
)

type AppConfig struct {
	Mode         string
	ApiPort      string
	MainDatabase struct {
		Host         string
		Port         string
		User         string
		Password     string
		DatabaseName string
		SSLMode      string
	}
	JWTConfig struct {
		Secret     string
		Expiration int // in minutes
	}
	RedisConfig struct {
		Host      string
		Port      string
		Password  string
		DB        int
		ResultTTL time.Duration
	}
	NatsConfig struct {
		URL           string
		SubjectPrefix string
	}
	ProcessorConfig struct {
		Transport string
		URL       string
		Timeout   time.Duration
	}
	SchedulerConfig struct {
		Debounce      time.Duration
		MaxConcurrent int
	}
}

var config AppConfig

func InitConfig(envfile string) {
	err := godotenv.Load(envfile)
	if err != nil {
		log.Fatal(fmt.Sprintf("Error loading %s file: %s", envfile, err))
	}
	config = LoadConfig()

	Logger = initLogger()
	DB = connectToPostgres(config.MainDatabase.Host, config.MainDatabase.User, config.MainDatabase.Password, config.MainDatabase.DatabaseName, config.MainDatabase.Port, config.MainDatabase.SSLMode)
	if config.RedisConfig.Host != "" {
		Redis = connectToRedis(config.RedisConfig.Host, config.RedisConfig.Port, config.RedisConfig.Password, config.RedisConfig.DB)
	}
	if config.NatsConfig.URL != "" {
		Nats = connectToNats(config.NatsConfig.URL)
	}
}

// LoadConfig reads AppConfig from the process environment.
func LoadConfig() AppConfig {
	cfg := AppConfig{
		Mode:    getEnvOrPanic("RUN_MODE"),
		ApiPort: getEnvOrPanic("API_PORT"),
	}

	cfg.MainDatabase.Host = getEnvOrPanic("DB_HOSTNAME")
	cfg.MainDatabase.Port = getEnvOrPanic("DB_PORT")
	cfg.MainDatabase.User = getEnvOrPanic("DB_USERNAME")
	cfg.MainDatabase.Password = getEnvOrPanic("DB_PASSWORD")
	cfg.MainDatabase.DatabaseName = getEnvOrPanic("DB_NAME")
	cfg.MainDatabase.SSLMode = GetEnv("DB_SSL_MODE", "disable")

	cfg.JWTConfig.Secret = getEnvOrPanic("JWT_SECRET")
	cfg.JWTConfig.Expiration = getIntEnvOrDefault("JWT_EXPIRATION_MINUTES", 60)

	// Redis and NATS are optional; empty host/url falls back to in-process implementations.
	cfg.RedisConfig.Host = GetEnv("REDIS_HOST", "")
	cfg.RedisConfig.Port = GetEnv("REDIS_PORT", "6379")
	cfg.RedisConfig.Password = GetEnv("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getIntEnvOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.ResultTTL = time.Duration(getIntEnvOrDefault("REDIS_RESULT_TTL_MINUTES", 24*60)) * time.Minute

	cfg.NatsConfig.URL = GetEnv("NATS_URL", "")
	cfg.NatsConfig.SubjectPrefix = GetEnv("NATS_SUBJECT_PREFIX", "imgflow")

	cfg.ProcessorConfig.Transport = GetEnv("PROCESSOR_TRANSPORT", ProcessorTransportHTTP)
	cfg.ProcessorConfig.URL = GetEnv("PROCESSOR_URL", "http://localhost:8000")
	cfg.ProcessorConfig.Timeout = getDurationMsOrDefault("PROCESSOR_TIMEOUT_MS", 30*time.Second)

	cfg.SchedulerConfig.Debounce = getDurationMsOrDefault("SCHEDULER_DEBOUNCE_MS", 100*time.Millisecond)
	cfg.SchedulerConfig.MaxConcurrent = getIntEnvOrDefault("SCHEDULER_MAX_CONCURRENT", 4)

	return cfg
}

func GetConfig() AppConfig {
	return config
}

func getEnvOrPanic(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("%s must be set", key)
	}
	return value
}

func GetEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func getDurationMsOrDefault(key string, defaultValue time.Duration) time.Duration {
	ms := getIntEnvOrDefault(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func connectToPostgres(host string, username string, password string, dbname string, port string, ssl string) *gorm.DB {
	var err error
	var db *gorm.DB
	var conn *sql.DB

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		host, username, password, dbname, port, ssl)
	if db, err = gorm.Open(postgres.Open(dsn),
		&gorm.Config{
			Logger: logger.New(
				log.New(os.Stdout, "\r\n", log.LstdFlags),
				logger.Config{
					SlowThreshold: 0,
					LogLevel:      logger.Error,
				},
			),
			TranslateError: true,
			NamingStrategy: schema.NamingStrategy{
				SingularTable: true,
			}}); err != nil {
		panic(err)
	}
	if conn, err = db.DB(); err != nil {
		panic(err)
	}
	conn.SetMaxIdleConns(10)
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(time.Hour)
	return db
}

func initLogger() zerolog.Logger {
	return NewConsoleLogger(config.Mode == "dev")
}

// NewConsoleLogger builds the console logger used by every binary. debug
// lowers the level from info to debug.
func NewConsoleLogger(debug bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
		NoColor:    false,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("  %s  ", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		},
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(output).Level(level).With().Timestamp().Caller().Logger()
}

func connectToRedis(host string, port string, password string, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}

	return client
}

func connectToNats(url string) *nats.Conn {
	nc, err := nats.Connect(url,
		nats.Name("imgflow-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		panic(fmt.Sprintf("Failed to connect to NATS: %v", err))
	}
	return nc
}
