package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	EIOS      EIOSConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type EIOSConfig struct {
	BaseURL         string
	TenantID        string
	ClientID        string
	ClientSecret    string
	Scope           string
	BoardPageSize   int
	ArticlePageSize int
	MaxArticles     int
	TimeoutSec      int
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	TopP        float32
	MaxTokens   int
	TimeoutSec  int
}

type PipelineConfig struct {
	DefaultTags      string
	FetchWindowHours int
	MaxItems         int
	Concurrency      int
	ProviderRate     float64
	MaxErrorEntries  int
}

type SchedulerConfig struct {
	Enabled         bool
	IntervalMinutes int
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
	viper.AddConfigPath("/etc/episignal")

	viper.SetEnvPrefix("EPISIGNAL")
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

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/episignal.db")

	viper.SetDefault("eios.baseURL", "https://eios.who.int/portal/api/api/v1.0")
	viper.SetDefault("eios.boardPageSize", 100)
	viper.SetDefault("eios.articlePageSize", 300)
	viper.SetDefault("eios.maxArticles", 5000)
	viper.SetDefault("eios.timeoutSec", 30)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.baseURL", "")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.topP", 0.95)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 120)

	viper.SetDefault("pipeline.defaultTags", "ephem emro")
	viper.SetDefault("pipeline.fetchWindowHours", 5)
	viper.SetDefault("pipeline.maxItems", 50)
	viper.SetDefault("pipeline.concurrency", 4)
	viper.SetDefault("pipeline.providerRate", 0.5)
	viper.SetDefault("pipeline.maxErrorEntries", 25)

	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.intervalMinutes", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
