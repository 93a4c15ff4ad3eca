package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"regtech-pipeline/internal/pkg/logger"
)

type LogConfig = logger.LogConfig

type Config struct {
	Environment string

	HTTP     HTTPConfig
	Log      LogConfig
	Redis    RedisConfig
	Gemini   GeminiConfig
	Tavily   TavilyConfig
	SMTP     SMTPConfig
	Report   ReportConfig
	Pipeline PipelineConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	StateTTL     time.Duration
	UpdateStream string
}

type GeminiConfig struct {
	APIKey         string
	Model          string
	Temperature    float32
	MaxTokens      int32
	RequestTimeout time.Duration
}

type TavilyConfig struct {
	APIKey         string
	BaseURL        string
	MaxResults     int
	RequestTimeout time.Duration
	EnrichTopN     int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Simulate bool
	Timeout  time.Duration
}

type ReportConfig struct {
	OutputDir  string
	RenderPDF  bool
	PDFTimeout time.Duration
}

type PipelineConfig struct {
	StageAttempts   int
	StageTimeout    time.Duration
	TotalRunTimeout time.Duration
	RetryInterval   time.Duration
	RetryMultiplier float64
	MaxRetryWait    time.Duration
}

// Load reads configuration from the environment, with .env support for
// local development. Missing API keys are a hard error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/regtech-pipeline.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			StateTTL:     getEnvDuration("REDIS_STATE_TTL", 24*time.Hour),
			UpdateStream: getEnv("REDIS_UPDATE_STREAM", "analysis:updates"),
		},
		Gemini: GeminiConfig{
			APIKey:         os.Getenv("GEMINI_API_KEY"),
			Model:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			Temperature:    float32(getEnvFloat("GEMINI_TEMPERATURE", 0.1)),
			MaxTokens:      int32(getEnvInt("GEMINI_MAX_TOKENS", 8192)),
			RequestTimeout: getEnvDuration("GEMINI_REQUEST_TIMEOUT", 60*time.Second),
		},
		Tavily: TavilyConfig{
			APIKey:         os.Getenv("TAVILY_API_KEY"),
			BaseURL:        getEnv("TAVILY_BASE_URL", "https://api.tavily.com"),
			MaxResults:     getEnvInt("TAVILY_MAX_RESULTS", 5),
			RequestTimeout: getEnvDuration("TAVILY_REQUEST_TIMEOUT", 30*time.Second),
			EnrichTopN:     getEnvInt("TAVILY_ENRICH_TOP_N", 3),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			Simulate: getEnvBool("SMTP_SIMULATE", true),
			Timeout:  getEnvDuration("SMTP_TIMEOUT", 30*time.Second),
		},
		Report: ReportConfig{
			OutputDir:  getEnv("REPORT_OUTPUT_DIR", "reports"),
			RenderPDF:  getEnvBool("REPORT_RENDER_PDF", true),
			PDFTimeout: getEnvDuration("REPORT_PDF_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			StageAttempts:   getEnvInt("PIPELINE_STAGE_ATTEMPTS", 3),
			StageTimeout:    getEnvDuration("PIPELINE_STAGE_TIMEOUT", 120*time.Second),
			TotalRunTimeout: getEnvDuration("PIPELINE_TOTAL_TIMEOUT", 15*time.Minute),
			RetryInterval:   getEnvDuration("PIPELINE_RETRY_INTERVAL", 2*time.Second),
			RetryMultiplier: getEnvFloat("PIPELINE_RETRY_MULTIPLIER", 2.0),
			MaxRetryWait:    getEnvDuration("PIPELINE_MAX_RETRY_WAIT", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.Tavily.APIKey == "" {
		return fmt.Errorf("TAVILY_API_KEY is required")
	}
	if c.Pipeline.StageAttempts < 1 {
		return fmt.Errorf("PIPELINE_STAGE_ATTEMPTS must be at least 1")
	}
	if !c.SMTP.Simulate && c.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_SIMULATE is false")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
