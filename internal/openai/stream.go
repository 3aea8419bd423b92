package openai

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const sseDataPrefix = "data: "

// ChatStream reads server-sent events from a streaming completion response.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

func newChatStream(body io.ReadCloser) *ChatStream {
	scanner := bufio.NewScanner(body)
	// Single events can carry a full top_logprobs block per token.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ChatStream{body: body, scanner: scanner}
}

// Recv returns the next chunk. It returns io.EOF once the stream is
// exhausted or the backend sends the [DONE] sentinel.
func (s *ChatStream) Recv() (*ChatCompletionChunk, error) {
	if s.closed {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, sseDataPrefix)
		if data == "[DONE]" {
			return nil, io.EOF
		}
		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		return &chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the underlying HTTP body. Safe to call more than once.
func (s *ChatStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
