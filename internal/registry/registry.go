// Package registry builds the process-wide model handlers once at startup.
// The registry is immutable after construction and shared read-only by all
// request handlers.
package registry

import (
	"fmt"

	"github.com/promptgw/modelserver/internal/config"
	"github.com/promptgw/modelserver/internal/handlers"
	"github.com/promptgw/modelserver/internal/hallucination"
	"github.com/promptgw/modelserver/internal/ml"
	"github.com/promptgw/modelserver/internal/openai"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// Model aliases as exposed by /models and used in error stage tags.
const (
	AliasIntent    = "Arch-Intent"
	AliasFunction  = "Arch-Function"
	AliasGuard     = "Arch-Guard"
	AliasEmbedding = "Arch-Embedding"
)

// classifierThreads keeps ONNX intra-op parallelism modest; the server
// already runs one goroutine per request.
const classifierThreads = 2

// Registry owns the model handlers for the process lifetime.
type Registry struct {
	intent    *handlers.IntentHandler
	function  *handlers.FunctionHandler
	guard     *handlers.GuardHandler
	embedding *ml.EmbeddingEngine

	classifier *ml.SequenceClassifier
	device     ml.Device
	aliases    []string
}

// New loads every configured model. Any failure is returned to the caller,
// which is expected to treat it as fatal.
func New(cfg *config.Config) (*Registry, error) {
	device := ml.ResolveDevice(cfg.Device)
	log.Info().Str("device", string(device)).Msg("initializing model registry")

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	options, err := ml.NewSessionOptions(device, classifierThreads)
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() { _ = options.Destroy() }()

	classifier, err := ml.NewSequenceClassifier(cfg.Guard.ModelDir, cfg.Guard.MaxSeqLen, cfg.Guard.NumClasses, options)
	if err != nil {
		return nil, fmt.Errorf("failed to load guard model: %w", err)
	}

	reg := &Registry{
		classifier: classifier,
		device:     device,
		aliases:    []string{AliasIntent, AliasFunction, AliasGuard},
	}

	if cfg.Embedding.ModelDir != "" {
		embedding, err := ml.NewEmbeddingEngine(cfg.Embedding.ModelDir, cfg.Embedding.MaxSeqLen, cfg.Embedding.Dimension, options)
		if err != nil {
			_ = classifier.Close()
			return nil, fmt.Errorf("failed to load embedding model: %w", err)
		}
		reg.embedding = embedding
		reg.aliases = append(reg.aliases, AliasEmbedding)
	}

	timeout, err := cfg.Backend.TimeoutDuration()
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	client := openai.NewClient(cfg.Backend.Endpoint, cfg.Backend.APIKey)
	reg.intent = handlers.NewIntentHandler(client, cfg.Backend.IntentModel)
	reg.function = handlers.NewFunctionHandler(client, cfg.Backend.FunctionModel, thresholdMap(cfg.Thresholds), timeout)
	reg.guard = handlers.NewGuardHandler(classifier, cfg.Guard.PositiveClass, cfg.Guard.Threshold, cfg.Guard.MaxChunkWords)

	return reg, nil
}

func thresholdMap(cfg config.ThresholdsConfig) hallucination.ThresholdMap {
	return hallucination.ThresholdMap{
		hallucination.MaskToolCall: {
			Entropy:     cfg.ToolCall.Entropy,
			Varentropy:  cfg.ToolCall.Varentropy,
			Probability: cfg.ToolCall.Probability,
		},
		hallucination.MaskParameterValue: {
			Entropy:     cfg.ParameterValue.Entropy,
			Varentropy:  cfg.ParameterValue.Varentropy,
			Probability: cfg.ParameterValue.Probability,
		},
	}
}

// Intent returns the intent stage handler.
func (r *Registry) Intent() *handlers.IntentHandler {
	return r.intent
}

// Function returns the function-calling stage handler.
func (r *Registry) Function() *handlers.FunctionHandler {
	return r.function
}

// Guard returns the guardrail handler.
func (r *Registry) Guard() *handlers.GuardHandler {
	return r.guard
}

// Embedding returns the embedding engine, or nil when not configured.
func (r *Registry) Embedding() *ml.EmbeddingEngine {
	return r.embedding
}

// Get resolves a handler by its model alias.
func (r *Registry) Get(alias string) (any, bool) {
	switch alias {
	case AliasIntent:
		return r.intent, true
	case AliasFunction:
		return r.function, true
	case AliasGuard:
		return r.guard, true
	case AliasEmbedding:
		if r.embedding != nil {
			return r.embedding, true
		}
	}
	return nil, false
}

// Aliases lists the loaded model aliases in a stable order.
func (r *Registry) Aliases() []string {
	return r.aliases
}

// Device reports the selected inference device.
func (r *Registry) Device() ml.Device {
	return r.device
}

// Close releases the local model sessions and the ONNX environment.
func (r *Registry) Close() error {
	if r.classifier != nil {
		_ = r.classifier.Close()
		r.classifier = nil
	}
	if r.embedding != nil {
		_ = r.embedding.Close()
		r.embedding = nil
	}
	return ort.DestroyEnvironment()
}
