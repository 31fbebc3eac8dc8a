package main

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type ServiceConfig struct {
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `yaml:"sentry_dsn" env:"SENTRY_DSN"`

	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel string `yaml:"log_level" env:"THREADPROF_LOG_LEVEL" env-default:"info"`

	AgentID         string        `yaml:"agent_id" env:"THREADPROF_AGENT_ID"`
	TraceEnabled    bool          `yaml:"trace" env:"THREADPROF_TRACE" env-default:"true"`
	MethodCacheSize int           `yaml:"method_cache_size" env:"THREADPROF_METHOD_CACHE_SIZE" env-default:"65536"`
	SampleInterval  time.Duration `yaml:"sample_interval" env:"THREADPROF_SAMPLE_INTERVAL"`
	DumpSchedule    string        `yaml:"dump_schedule" env:"THREADPROF_DUMP_SCHEDULE"`

	KafkaBrokers []string `yaml:"kafka_brokers" env:"THREADPROF_KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `yaml:"kafka_topic" env:"THREADPROF_KAFKA_TOPIC" env-default:"threadprof-events"`
	KafkaGroup   string   `yaml:"kafka_group" env:"THREADPROF_KAFKA_GROUP" env-default:"threadprof"`
}

// loadConfig reads the YAML file named by THREADPROF_CONFIG, if any, then
// the environment, which takes precedence.
func loadConfig() (ServiceConfig, error) {
	var cfg ServiceConfig
	if path := os.Getenv("THREADPROF_CONFIG"); path != "" {
		err := cleanenv.ReadConfig(path, &cfg)
		return cfg, err
	}
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}
