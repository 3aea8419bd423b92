package handlers

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/promptgw/modelserver/internal/errx"
	"github.com/promptgw/modelserver/pkg/models"
)

// Classifier scores a text and returns the raw class logits.
type Classifier interface {
	Classify(text string) ([]float32, error)
}

// GuardHandler runs the chunked jailbreak classification over input text.
type GuardHandler struct {
	classifier    Classifier
	positiveClass int
	threshold     float64
	maxChunkWords int
}

// NewGuardHandler builds the guardrail stage.
func NewGuardHandler(classifier Classifier, positiveClass int, threshold float64, maxChunkWords int) *GuardHandler {
	return &GuardHandler{
		classifier:    classifier,
		positiveClass: positiveClass,
		threshold:     threshold,
		maxChunkWords: maxChunkWords,
	}
}

// Predict classifies the request input. Inputs longer than the chunk limit
// are split into ordered word chunks evaluated independently; the response
// accumulates only positive chunks and the verdict is their disjunction.
func (h *GuardHandler) Predict(req *models.GuardRequest) (*models.GuardResponse, error) {
	if req.Task != "jailbreak" {
		return nil, errx.BadRequest(errx.StageGuard, fmt.Sprintf("task %q is not supported", req.Task))
	}

	words := strings.Fields(req.Input)
	if len(words) <= h.maxChunkWords {
		return h.predictText(req.Input)
	}

	resp := &models.GuardResponse{Prob: []float64{}, Sentence: []string{}}
	for start := 0; start < len(words); start += h.maxChunkWords {
		end := start + h.maxChunkWords
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[start:end], " ")

		chunkResp, err := h.predictText(chunk)
		if err != nil {
			return nil, err
		}
		resp.Latency += chunkResp.Latency
		if chunkResp.Verdict {
			resp.Verdict = true
			resp.Prob = append(resp.Prob, chunkResp.Prob[0])
			resp.Sentence = append(resp.Sentence, chunkResp.Sentence[0])
		}
	}

	return resp, nil
}

// predictText classifies one chunk. Latency covers model inference only.
func (h *GuardHandler) predictText(text string) (*models.GuardResponse, error) {
	start := time.Now()
	logits, err := h.classifier.Classify(text)
	latency := time.Since(start)
	if err != nil {
		return nil, errx.Upstream(err, errx.StageGuard)
	}
	if h.positiveClass >= len(logits) {
		return nil, errx.Upstream(fmt.Errorf("classifier returned %d classes, positive class is %d", len(logits), h.positiveClass), errx.StageGuard)
	}

	prob := softmax(logits)[h.positiveClass]

	resp := &models.GuardResponse{
		Prob:     []float64{prob},
		Sentence: []string{},
		Latency:  float64(latency.Nanoseconds()) / 1e6,
	}
	if prob > h.threshold {
		resp.Verdict = true
		resp.Sentence = []string{text}
	}
	return resp, nil
}

func softmax(logits []float32) []float64 {
	// Shift by the max logit for numerical stability.
	maxLogit := float64(math.Inf(-1))
	for _, l := range logits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		exps[i] = math.Exp(float64(l) - maxLogit)
		sum += exps[i]
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}
