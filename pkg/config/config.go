package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	SQLite    SQLiteConfig
	Providers []ProviderConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Cache     CacheConfig
	Pipeline  PipelineConfig
	Knowledge KnowledgeConfig
	Health    HealthConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	MaxConcurrent  int64
	ClientRPM      int
	RequestTimeout int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type SQLiteConfig struct {
	Path string
}

type ProviderConfig struct {
	Name         string
	Type         string
	Priority     int
	APIKey       string
	Model        string
	TimeoutSec   int
	Temperature  float32
	MaxTokens    int
	RPM          int
	RPD          int
	Capabilities []string
}

type RetryConfig struct {
	MaxAttempts    int
	InitialDelayMS int
	MaxDelayMS     int
	Multiplier     float64
	JitterFraction float64
}

type BreakerConfig struct {
	FailureThreshold uint32
	CooldownSec      int
	MaxCooldownSec   int
}

type CacheConfig struct {
	TTLSec int
}

type PipelineConfig struct {
	MaxMessageLength   int
	ContextTokens      int
	HistoryDepth       int
	FactualWeight      float64
	LogicalWeight      float64
	CompletenessWeight float64
	ConsistencyWeight  float64
	QualityThreshold   float64
	FeedbackBuffer     int
	AggregateSchedule  string
}

type KnowledgeConfig struct {
	MaxResults     int
	MinReliability float64
}

type HealthConfig struct {
	SnapshotSchedule   string
	WindowSize         int
	HallucinationAlert float64
	FailureRateAlert   float64
	LowScoreAlert      float64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/chat-sentinel")

	viper.SetEnvPrefix("CHAT_SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.maxConcurrent", 64)
	viper.SetDefault("server.clientRPM", 60)
	viper.SetDefault("server.requestTimeout", 90)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("sqlite.path", "./data/sentinel.db")

	viper.SetDefault("retry.maxAttempts", 3)
	viper.SetDefault("retry.initialDelayMS", 500)
	viper.SetDefault("retry.maxDelayMS", 5000)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.jitterFraction", 0.1)

	viper.SetDefault("breaker.failureThreshold", 5)
	viper.SetDefault("breaker.cooldownSec", 30)
	viper.SetDefault("breaker.maxCooldownSec", 300)

	viper.SetDefault("cache.ttlSec", 3600)

	viper.SetDefault("pipeline.maxMessageLength", 5000)
	viper.SetDefault("pipeline.contextTokens", 2000)
	viper.SetDefault("pipeline.historyDepth", 10)
	viper.SetDefault("pipeline.factualWeight", 0.35)
	viper.SetDefault("pipeline.logicalWeight", 0.25)
	viper.SetDefault("pipeline.completenessWeight", 0.20)
	viper.SetDefault("pipeline.consistencyWeight", 0.20)
	viper.SetDefault("pipeline.qualityThreshold", 0.7)
	viper.SetDefault("pipeline.feedbackBuffer", 256)
	viper.SetDefault("pipeline.aggregateSchedule", "@every 10m")

	viper.SetDefault("knowledge.maxResults", 5)
	viper.SetDefault("knowledge.minReliability", 0.5)

	viper.SetDefault("health.snapshotSchedule", "@every 30s")
	viper.SetDefault("health.windowSize", 100)
	viper.SetDefault("health.hallucinationAlert", 0.2)
	viper.SetDefault("health.failureRateAlert", 0.5)
	viper.SetDefault("health.lowScoreAlert", 0.6)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
