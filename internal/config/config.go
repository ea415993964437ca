package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type InsarConfig struct {
	// Mode selects the processing backend: "http" for the hosted service,
	// "docker" for a local engine container during development.
	Mode            string        `mapstructure:"mode"`
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	EngineContainer string        `mapstructure:"engine_container"`
	EngineBinary    string        `mapstructure:"engine_binary"`
}

type WorkerConfig struct {
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts         int           `mapstructure:"max_poll_attempts"`
	JobTimeout              time.Duration `mapstructure:"job_timeout"`
	MaxConcurrentActivities int           `mapstructure:"max_concurrent_activities"`
}

type SamplerConfig struct {
	MaxAbsValue float64 `mapstructure:"max_abs_value"`
}

type RateLimitConfig struct {
	MaxActiveJobs int `mapstructure:"max_active_jobs"`
	MaxHourlyJobs int `mapstructure:"max_hourly_jobs"`
	MaxDailyJobs  int `mapstructure:"max_daily_jobs"`
}

type SchedulerConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type WebhookConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type AlertConfig struct {
	VelocityMMYr float64 `mapstructure:"velocity_mm_yr"`
}

type Config struct {
	DatabaseURL  string          `mapstructure:"database_url"`
	ServerPort   string          `mapstructure:"server_port"`
	TemporalHost string          `mapstructure:"temporal_host"`
	JWTSecret    string          `mapstructure:"jwt_secret"`
	Insar        InsarConfig     `mapstructure:"insar"`
	Worker       WorkerConfig    `mapstructure:"worker"`
	Sampler      SamplerConfig   `mapstructure:"sampler"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Kafka        KafkaConfig     `mapstructure:"kafka"`
	Webhook      WebhookConfig   `mapstructure:"webhook"`
	Alerts       AlertConfig     `mapstructure:"alerts"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set in the config file")
	}

	if config.Insar.Mode == "" {
		config.Insar.Mode = "http"
	}
	if config.Insar.RequestTimeout == 0 {
		config.Insar.RequestTimeout = 30 * time.Second
	}
	if config.Insar.EngineBinary == "" {
		config.Insar.EngineBinary = "insar-engine"
	}

	if config.Worker.PollInterval == 0 {
		config.Worker.PollInterval = 30 * time.Second
	}
	if config.Worker.MaxPollAttempts == 0 {
		config.Worker.MaxPollAttempts = 240
	}
	if config.Worker.JobTimeout == 0 {
		config.Worker.JobTimeout = 2 * time.Hour
	}
	if config.Worker.MaxConcurrentActivities == 0 {
		config.Worker.MaxConcurrentActivities = 10
	}

	if config.Scheduler.Tick == 0 {
		config.Scheduler.Tick = time.Minute
	}

	return &config
}
