// Package server exposes the model pipeline over HTTP: /healthz, /models,
// /function_calling, /guardrails and /embeddings. It is the only layer that
// maps errors to status codes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/promptgw/modelserver/internal/errx"
	"github.com/promptgw/modelserver/internal/registry"
	"github.com/promptgw/modelserver/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// IntentStage is the Yes/No tool-relevance classifier.
type IntentStage interface {
	ChatCompletion(ctx context.Context, req *models.ChatRequest) (*models.ChatCompletionResponse, error)
	DetectIntent(resp *models.ChatCompletionResponse) bool
}

// FunctionStage generates and validates tool calls.
type FunctionStage interface {
	ChatCompletion(ctx context.Context, req *models.ChatRequest) (*models.ChatCompletionResponse, error)
}

// GuardStage runs the jailbreak classifier.
type GuardStage interface {
	Predict(req *models.GuardRequest) (*models.GuardResponse, error)
}

// Embedder produces sentence embeddings.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}

// Deps are the pipeline stages the server orchestrates. Embedder may be nil.
type Deps struct {
	Intent   IntentStage
	Function FunctionStage
	Guard    GuardStage
	Embedder Embedder
	Aliases  []string
}

// requestsPerMinute caps each client; inference requests are expensive
// enough that unbounded intake just moves the failure into the model queue.
const requestsPerMinute = 120

// Server is the HTTP surface over the model pipeline.
type Server struct {
	deps    Deps
	tracer  trace.Tracer
	limiter *rateLimiter
}

// New builds a server from explicit stage dependencies.
func New(deps Deps) *Server {
	return &Server{
		deps:    deps,
		tracer:  otel.Tracer("model-server"),
		limiter: newRateLimiter(requestsPerMinute, time.Minute),
	}
}

// FromRegistry wires the server to the handlers loaded by the registry.
func FromRegistry(reg *registry.Registry) *Server {
	deps := Deps{
		Intent:   reg.Intent(),
		Function: reg.Function(),
		Guard:    reg.Guard(),
		Aliases:  reg.Aliases(),
	}
	if embedding := reg.Embedding(); embedding != nil {
		deps.Embedder = embedding
	}
	return New(deps)
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("POST /function_calling", s.handleFunctionCalling)
	mux.HandleFunc("POST /guardrails", s.handleGuardrails)
	mux.HandleFunc("POST /embeddings", s.handleEmbeddings)
	return s.limiter.wrap(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": lo.Map(s.deps.Aliases, func(alias string, _ int) modelEntry {
			return modelEntry{ID: alias, Object: "model"}
		}),
	})
}

func (s *Server) handleFunctionCalling(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errx.BadRequest(errx.StageServer, "invalid request body"), errx.StageServer)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, errx.BadRequest(errx.StageServer, "messages must not be empty"), errx.StageServer)
		return
	}

	ctx, intentSpan := s.tracer.Start(r.Context(), "intent_detection")
	intentStart := time.Now()
	intentResp, err := s.deps.Intent.ChatCompletion(ctx, &req)
	intentLatency := time.Since(intentStart)
	intentSpan.End()
	if err != nil {
		writeError(w, err, errx.StageIntent)
		return
	}

	if !s.deps.Intent.DetectIntent(intentResp) {
		writeJSON(w, http.StatusOK, map[string]any{
			"result":         "No intent matched",
			"intent_latency": roundMs(intentLatency),
		})
		return
	}

	ctx, functionSpan := s.tracer.Start(r.Context(), "function_calling")
	functionStart := time.Now()
	functionResp, err := s.deps.Function.ChatCompletion(ctx, &req)
	functionLatency := time.Since(functionStart)
	functionSpan.End()
	if err != nil {
		writeError(w, err, errx.StageFunction)
		return
	}

	if functionResp.Metadata == nil {
		functionResp.Metadata = map[string]string{}
	}
	functionResp.Metadata["intent_latency"] = formatMs(intentLatency)
	functionResp.Metadata["function_latency"] = formatMs(functionLatency)

	writeJSON(w, http.StatusOK, functionResp)
}

func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	var req models.GuardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errx.BadRequest(errx.StageGuard, "invalid request body"), errx.StageGuard)
		return
	}

	_, span := s.tracer.Start(r.Context(), "guardrails")
	guardStart := time.Now()
	resp, err := s.deps.Guard.Predict(&req)
	guardLatency := time.Since(guardStart)
	span.End()
	if err != nil {
		writeError(w, err, errx.StageGuard)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":      resp,
		"guard_latency": roundMs(guardLatency),
	})
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Embedder == nil {
		writeError(w, errx.BadRequest(errx.StageServer, "embedding model is not configured"), errx.StageServer)
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errx.BadRequest(errx.StageServer, "invalid request body"), errx.StageServer)
		return
	}
	if req.Input == "" {
		writeError(w, errx.BadRequest(errx.StageServer, "input must not be empty"), errx.StageServer)
		return
	}

	vector, err := s.deps.Embedder.Embed(req.Input)
	if err != nil {
		writeError(w, errx.Upstream(err, errx.StageServer), errx.StageServer)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"object": "embedding", "index": 0, "embedding": vector},
		},
		"model": registry.AliasEmbedding,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error, fallbackStage string) {
	stage := errx.StageOf(err, fallbackStage)
	status := errx.StatusOf(err)
	log.Error().Err(err).Str("stage", stage).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{
		"error": fmt.Sprintf("[%s] - %s", stage, err.Error()),
	})
}

// roundMs converts a duration to milliseconds rounded to 3 decimals.
func roundMs(d time.Duration) float64 {
	ms := float64(d.Nanoseconds()) / 1e6
	return math.Round(ms*1000) / 1000
}

// formatMs renders a latency as the string form used in response metadata.
func formatMs(d time.Duration) string {
	return strconv.FormatFloat(roundMs(d), 'f', 3, 64)
}
