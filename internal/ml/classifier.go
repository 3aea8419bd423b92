package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// SequenceClassifier runs a BERT-style sequence-classification model with
// ONNX Runtime and returns raw logits. The session binds fixed input/output
// tensors, so inference is serialized with a mutex.
type SequenceClassifier struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	logits        *ort.Tensor[float32]
	tokenizer     *WordPieceTokenizer
	maxSeqLen     int
	numClasses    int
	mu            sync.Mutex
}

// NewSequenceClassifier loads model.onnx and vocab.txt from modelDir.
func NewSequenceClassifier(modelDir string, maxSeqLen, numClasses int, options *ort.SessionOptions) (*SequenceClassifier, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("classifier model not found at %s", modelPath)
	}

	tokenizer, err := LoadWordPieceTokenizer(filepath.Join(modelDir, "vocab.txt"), maxSeqLen)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	c := &SequenceClassifier{
		tokenizer:  tokenizer,
		maxSeqLen:  maxSeqLen,
		numClasses: numClasses,
	}

	seqShape := ort.NewShape(1, int64(maxSeqLen))
	if c.inputIDs, err = ort.NewTensor(seqShape, make([]int64, maxSeqLen)); err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if c.attentionMask, err = ort.NewTensor(seqShape, make([]int64, maxSeqLen)); err != nil {
		c.destroyTensors()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	if c.tokenTypeIDs, err = ort.NewTensor(seqShape, make([]int64, maxSeqLen)); err != nil {
		c.destroyTensors()
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	if c.logits, err = ort.NewTensor(ort.NewShape(1, int64(numClasses)), make([]float32, numClasses)); err != nil {
		c.destroyTensors()
		return nil, fmt.Errorf("failed to create logits tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		[]ort.ArbitraryTensor{c.inputIDs, c.attentionMask, c.tokenTypeIDs},
		[]ort.ArbitraryTensor{c.logits},
		options,
	)
	if err != nil {
		c.destroyTensors()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	c.session = session

	return c, nil
}

// Classify tokenizes text (truncated to the configured sequence length),
// runs the model, and returns a copy of the logits.
func (c *SequenceClassifier) Classify(text string) ([]float32, error) {
	inputIDs, attentionMask, tokenTypeIDs := c.tokenizer.Encode(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.inputIDs.GetData(), inputIDs)
	copy(c.attentionMask.GetData(), attentionMask)
	copy(c.tokenTypeIDs.GetData(), tokenTypeIDs)

	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("classifier inference failed: %w", err)
	}

	logits := make([]float32, c.numClasses)
	copy(logits, c.logits.GetData())
	return logits, nil
}

// Close releases the ONNX session and its tensors.
func (c *SequenceClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		_ = c.session.Destroy()
		c.session = nil
	}
	c.destroyTensors()
	return nil
}

func (c *SequenceClassifier) destroyTensors() {
	for _, t := range []*ort.Tensor[int64]{c.inputIDs, c.attentionMask, c.tokenTypeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if c.logits != nil {
		_ = c.logits.Destroy()
	}
	c.inputIDs, c.attentionMask, c.tokenTypeIDs, c.logits = nil, nil, nil, nil
}
