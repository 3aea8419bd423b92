package ml

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// WordPieceTokenizer implements tokenization for BERT-style models.
type WordPieceTokenizer struct {
	vocab      map[string]int64
	unkTokenID int64
	padTokenID int64
	clsTokenID int64
	sepTokenID int64
	maxSeqLen  int
}

var wordRe = regexp.MustCompile(`[\w]+|[^\s\w]`)

// LoadWordPieceTokenizer loads the vocabulary from a vocab.txt file.
func LoadWordPieceTokenizer(vocabPath string, maxSeqLen int) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab file: %w", err)
	}

	vocab := make(map[string]int64)
	for i, line := range strings.Split(string(data), "\n") {
		token := strings.TrimSpace(line)
		if token == "" {
			continue
		}
		vocab[token] = int64(i)
	}

	ids := make([]int64, 4)
	for i, special := range []string{"[UNK]", "[PAD]", "[CLS]", "[SEP]"} {
		id, ok := vocab[special]
		if !ok {
			return nil, fmt.Errorf("vocab missing %s token", special)
		}
		ids[i] = id
	}

	return &WordPieceTokenizer{
		vocab:      vocab,
		unkTokenID: ids[0],
		padTokenID: ids[1],
		clsTokenID: ids[2],
		sepTokenID: ids[3],
		maxSeqLen:  maxSeqLen,
	}, nil
}

// Encode tokenizes text, truncating to the configured sequence length, and
// returns padded input_ids, attention_mask and token_type_ids.
func (t *WordPieceTokenizer) Encode(text string) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	tokens := t.tokenize(text)

	// Reserve space for [CLS] and [SEP].
	maxTokens := t.maxSeqLen - 2
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}

	inputIDs = make([]int64, t.maxSeqLen)
	attentionMask = make([]int64, t.maxSeqLen)
	tokenTypeIDs = make([]int64, t.maxSeqLen)

	inputIDs[0] = t.clsTokenID
	attentionMask[0] = 1

	for i, token := range tokens {
		id, ok := t.vocab[token]
		if !ok {
			id = t.unkTokenID
		}
		inputIDs[i+1] = id
		attentionMask[i+1] = 1
	}

	inputIDs[len(tokens)+1] = t.sepTokenID
	attentionMask[len(tokens)+1] = 1

	// Remaining positions are already 0 (PAD).
	return inputIDs, attentionMask, tokenTypeIDs
}

func (t *WordPieceTokenizer) tokenize(text string) []string {
	text = strings.ToLower(text)

	var tokens []string
	for _, word := range wordRe.FindAllString(text, -1) {
		tokens = append(tokens, t.wordpiece(word)...)
	}
	return tokens
}

// wordpiece splits a word into WordPiece sub-tokens with greedy
// longest-match-first lookup.
func (t *WordPieceTokenizer) wordpiece(word string) []string {
	if len(word) == 0 {
		return nil
	}
	if _, ok := t.vocab[word]; ok {
		return []string{word}
	}

	var tokens []string
	start := 0
	for start < len(word) {
		end := len(word)
		var curToken string
		found := false

		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if _, ok := t.vocab[substr]; ok {
				curToken = substr
				found = true
				break
			}
			end--
		}

		if !found {
			if start > 0 {
				tokens = append(tokens, "##"+string(word[start]))
			} else {
				tokens = append(tokens, string(word[start]))
			}
			start++
		} else {
			tokens = append(tokens, curToken)
			start = end
		}
	}

	return tokens
}
