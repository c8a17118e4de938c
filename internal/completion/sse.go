package completion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/af-corp/aegis-assistant/internal/types"
)

const maxEventSize = 1024 * 1024

type sseSource struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	transform func([]byte) ([]byte, error)
}

// NewSSESource decodes an OpenAI-form event stream into content deltas.
// transform, when set, is applied to each data payload first; a nil result
// skips the event. The stream must end with [DONE]; a body that ends early
// is reported as an unavailable completion stage.
func NewSSESource(body io.ReadCloser, transform func([]byte) ([]byte, error)) DeltaSource {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseSource{body: body, scanner: scanner, transform: transform}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (s *sseSource) Next() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		if len(payload) == 0 {
			continue
		}
		if s.transform != nil {
			var err error
			payload, err = s.transform(payload)
			if err != nil {
				return "", types.Upstream(types.StageCompletion, err)
			}
			if payload == nil {
				continue
			}
		}
		if string(payload) == "[DONE]" {
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", &types.UpstreamUnavailableError{
				Stage:   types.StageCompletion,
				Payload: chunk.Error.Message,
			}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", types.Upstream(types.StageCompletion, fmt.Errorf("read stream: %w", err))
	}
	return "", types.Upstream(types.StageCompletion, io.ErrUnexpectedEOF)
}

func (s *sseSource) Close() error {
	return s.body.Close()
}
