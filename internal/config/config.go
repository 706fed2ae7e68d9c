package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Broker holds the settings shared by every process that talks to Redis.
type Broker struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	TaskQueue     string `env:"TASK_QUEUE" envDefault:"execution_tasks"`
	ResultsQueue  string `env:"RESULTS_QUEUE" envDefault:"execution_results"`
}

type Scheduler struct {
	Broker
	ListenAddr       string        `env:"SCHED_ADDR" envDefault:":8001"`
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"60s"`
	EncryptionKey    string        `env:"ENCRYPTION_KEY"`
	SignatureKey     string        `env:"SIGNATURE_KEY"`
}

type Feeder struct {
	Broker
	PistonURL             string `env:"PISTON_URL" envDefault:"http://localhost:2000"`
	PrefetchCount         int    `env:"PREFETCH_COUNT" envDefault:"5"`
	DefaultMemoryLimitMB  int    `env:"DEFAULT_MEMORY_LIMIT" envDefault:"-1"`
	DefaultCompileTimeout int    `env:"DEFAULT_COMPILE_TIMEOUT" envDefault:"10000"`
	DefaultRunTimeout     int    `env:"DEFAULT_RUN_TIMEOUT" envDefault:"10000"`
}

func LoadScheduler() (Scheduler, error) {
	_ = godotenv.Load()
	var c Scheduler
	err := env.Parse(&c)
	return c, err
}

func LoadFeeder() (Feeder, error) {
	_ = godotenv.Load()
	var c Feeder
	err := env.Parse(&c)
	return c, err
}
