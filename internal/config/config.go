package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Health   HealthConfig   `yaml:"health"`
	Balancer BalancerConfig `yaml:"balancer"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Retry    RetryConfig    `yaml:"retry"`
	API      APIConfig      `yaml:"api"`
}

type RegistryConfig struct {
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
}

type HealthConfig struct {
	CheckIntervalSeconds       int     `yaml:"checkIntervalSeconds"`
	CheckTimeoutSeconds        int     `yaml:"checkTimeoutSeconds"`
	DegradedThresholdMs        float64 `yaml:"degradedThresholdMs"`
	UnhealthyThresholdFailures int     `yaml:"unhealthyThresholdFailures"`
}

type BalancerConfig struct {
	Strategy      string  `yaml:"strategy"`
	DefaultWeight float64 `yaml:"defaultWeight"`
}

type BreakerConfig struct {
	FailureThreshold  float64 `yaml:"failureThreshold"`
	SuccessThreshold  float64 `yaml:"successThreshold"`
	TimeoutSeconds    int     `yaml:"timeoutSeconds"`
	MinRequests       int     `yaml:"minRequests"`
	WindowSize        int     `yaml:"windowSize"`
	HalfOpenMaxTrials int     `yaml:"halfOpenMaxTrials"`
}

type QueueConfig struct {
	MaxSize int `yaml:"maxSize"`
}

type WorkerConfig struct {
	MaxWorkers         int `yaml:"maxWorkers"`
	ExecTimeoutSeconds int `yaml:"execTimeoutSeconds"`
	StopTimeoutSeconds int `yaml:"stopTimeoutSeconds"`
}

type RetryConfig struct {
	MaxAttempts      int     `yaml:"maxAttempts"`
	Strategy         string  `yaml:"strategy"`
	BaseDelaySeconds float64 `yaml:"baseDelaySeconds"`
	MaxDelaySeconds  float64 `yaml:"maxDelaySeconds"`
	JitterFactor     float64 `yaml:"jitterFactor"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

func Default() Config {
	return Config{
		Registry: RegistryConfig{
			SweepIntervalSeconds: 10,
		},
		Health: HealthConfig{
			CheckIntervalSeconds:       10,
			CheckTimeoutSeconds:        5,
			DegradedThresholdMs:        1000,
			UnhealthyThresholdFailures: 3,
		},
		Balancer: BalancerConfig{
			Strategy:      "round_robin",
			DefaultWeight: 1.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  0.5,
			SuccessThreshold:  0.5,
			TimeoutSeconds:    30,
			MinRequests:       5,
			WindowSize:        20,
			HalfOpenMaxTrials: 1,
		},
		Queue: QueueConfig{
			MaxSize: 1000,
		},
		Worker: WorkerConfig{
			MaxWorkers:         4,
			ExecTimeoutSeconds: 60,
			StopTimeoutSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			Strategy:         "exponential",
			BaseDelaySeconds: 0.1,
			MaxDelaySeconds:  2.0,
			JitterFactor:     0.1,
		},
		API: APIConfig{
			Port: 8091,
		},
	}
}

// Load reads the config at path, merged over defaults. A missing file is not
// an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Seconds converts a whole-second config value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// FloatSeconds converts a fractional-second config value to a duration.
func FloatSeconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
