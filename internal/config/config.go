package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Values come from defaults,
// then an optional YAML file, then environment variables, in that order.
type Config struct {
	Environment string           `yaml:"environment" envconfig:"ENVIRONMENT"`
	Server      ServerConfig     `yaml:"server"`
	Backend     BackendConfig    `yaml:"backend"`
	Guard       GuardConfig      `yaml:"guard"`
	Embedding   EmbeddingConfig  `yaml:"embedding"`
	Thresholds  ThresholdsConfig `yaml:"hallucination_thresholds"`
	Device      string           `yaml:"device" envconfig:"DEVICE"`
	OTLPHost    string           `yaml:"otlp_host" envconfig:"OTLP_HOST"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
}

// BackendConfig configures the OpenAI-compatible chat-completions backend
// serving the intent and function-calling models.
type BackendConfig struct {
	Endpoint      string `yaml:"endpoint" envconfig:"ARCH_ENDPOINT"`
	APIKey        string `yaml:"api_key" envconfig:"ARCH_API_KEY"`
	IntentModel   string `yaml:"intent_model"`
	FunctionModel string `yaml:"function_model"`
	Timeout       string `yaml:"timeout" envconfig:"ARCH_TIMEOUT"`
}

// TimeoutDuration parses the configured backend deadline.
func (b BackendConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid backend timeout %q: %w", b.Timeout, err)
	}
	return d, nil
}

// GuardConfig configures the local jailbreak classifier.
type GuardConfig struct {
	ModelDir      string  `yaml:"model_dir" envconfig:"GUARD_MODEL_DIR"`
	PositiveClass int     `yaml:"positive_class"`
	NumClasses    int     `yaml:"num_classes"`
	Threshold     float64 `yaml:"threshold"`
	MaxChunkWords int     `yaml:"max_chunk_words"`
	MaxSeqLen     int     `yaml:"max_seq_len"`
}

// EmbeddingConfig configures the optional BGE-style embedding model. An
// empty ModelDir means the model is not loaded.
type EmbeddingConfig struct {
	ModelDir  string `yaml:"model_dir" envconfig:"EMBEDDING_MODEL_DIR"`
	Dimension int    `yaml:"dimension"`
	MaxSeqLen int    `yaml:"max_seq_len"`
}

// Uncertainty holds the per-mask-kind hallucination thresholds. A checked
// token trips detection only when probability, entropy and varentropy all
// exceed their thresholds.
type Uncertainty struct {
	Entropy     float64 `yaml:"entropy"`
	Varentropy  float64 `yaml:"varentropy"`
	Probability float64 `yaml:"probability"`
}

// ThresholdsConfig keys uncertainty thresholds by the token mask kinds that
// are ever checked. The constants are tuned empirically upstream, so they
// stay configuration rather than code.
type ThresholdsConfig struct {
	ToolCall       Uncertainty `yaml:"tool_call"`
	ParameterValue Uncertainty `yaml:"parameter_value"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 51000,
		},
		Backend: BackendConfig{
			Endpoint:      "https://api.fc.archgw.com/v1",
			APIKey:        "EMPTY",
			IntentModel:   "Arch-Intent",
			FunctionModel: "Arch-Function",
			Timeout:       "30s",
		},
		Guard: GuardConfig{
			ModelDir:      "models/guard",
			PositiveClass: 2,
			NumClasses:    3,
			Threshold:     0.5,
			MaxChunkWords: 300,
			MaxSeqLen:     512,
		},
		Embedding: EmbeddingConfig{
			ModelDir:  "",
			Dimension: 1024,
			MaxSeqLen: 512,
		},
		Thresholds: ThresholdsConfig{
			ToolCall:       Uncertainty{Entropy: 0.35, Varentropy: 1.7, Probability: 0.8},
			ParameterValue: Uncertainty{Entropy: 0.28, Varentropy: 1.2, Probability: 0.8},
		},
		Device:   "auto",
		OTLPHost: "none",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), and finally environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing file is fine, env and defaults still apply.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if _, err := cfg.Backend.TimeoutDuration(); err != nil {
		return nil, err
	}

	return cfg, nil
}
