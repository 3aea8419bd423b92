package ml

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EmbeddingEngine produces L2-normalized sentence embeddings with a
// BGE-style ONNX model. Not on the function-calling hot path; kept for the
// /embeddings endpoint.
type EmbeddingEngine struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
	tokenizer     *WordPieceTokenizer
	maxSeqLen     int
	dimension     int
	mu            sync.Mutex
}

// NewEmbeddingEngine loads model.onnx and vocab.txt from modelDir.
func NewEmbeddingEngine(modelDir string, maxSeqLen, dimension int, options *ort.SessionOptions) (*EmbeddingEngine, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found at %s", modelPath)
	}

	tokenizer, err := LoadWordPieceTokenizer(filepath.Join(modelDir, "vocab.txt"), maxSeqLen)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	e := &EmbeddingEngine{
		tokenizer: tokenizer,
		maxSeqLen: maxSeqLen,
		dimension: dimension,
	}

	seqShape := ort.NewShape(1, int64(maxSeqLen))
	if e.inputIDs, err = ort.NewTensor(seqShape, make([]int64, maxSeqLen)); err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if e.attentionMask, err = ort.NewTensor(seqShape, make([]int64, maxSeqLen)); err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	if e.tokenTypeIDs, err = ort.NewTensor(seqShape, make([]int64, maxSeqLen)); err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	if e.output, err = ort.NewTensor(ort.NewShape(1, int64(dimension)), make([]float32, dimension)); err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"sentence_embedding"},
		[]ort.ArbitraryTensor{e.inputIDs, e.attentionMask, e.tokenTypeIDs},
		[]ort.ArbitraryTensor{e.output},
		options,
	)
	if err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	e.session = session

	return e, nil
}

// Dimension returns the embedding width.
func (e *EmbeddingEngine) Dimension() int {
	return e.dimension
}

// Embed returns the L2-normalized embedding for text.
func (e *EmbeddingEngine) Embed(text string) ([]float32, error) {
	inputIDs, attentionMask, tokenTypeIDs := e.tokenizer.Encode(text)

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputIDs.GetData(), inputIDs)
	copy(e.attentionMask.GetData(), attentionMask)
	copy(e.tokenTypeIDs.GetData(), tokenTypeIDs)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}

	return normalizeL2(e.output.GetData()), nil
}

// Close releases the ONNX session and its tensors.
func (e *EmbeddingEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		_ = e.session.Destroy()
		e.session = nil
	}
	e.destroyTensors()
	return nil
}

func (e *EmbeddingEngine) destroyTensors() {
	for _, t := range []*ort.Tensor[int64]{e.inputIDs, e.attentionMask, e.tokenTypeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if e.output != nil {
		_ = e.output.Destroy()
	}
	e.inputIDs, e.attentionMask, e.tokenTypeIDs, e.output = nil, nil, nil, nil
}

func normalizeL2(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(vec))
	copy(result, vec)
	if norm == 0 {
		return result
	}
	for i := range result {
		result[i] /= norm
	}
	return result
}
