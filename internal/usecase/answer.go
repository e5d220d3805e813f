package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// qaResponse is the body of a successful ask. answer is either a string or
// an object carrying the text in result.
type qaResponse struct {
	Answer json.RawMessage `json:"answer"`
}

type resultAnswer struct {
	Result *string `json:"result"`
}

func parseAnswer(raw []byte) (string, error) {
	var out qaResponse
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	if err := dec.Decode(&out); err != nil {
		return "", fmt.Errorf("usecase: decode qa response: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return "", errors.New("usecase: decode qa response: multiple JSON values")
		}
		return "", fmt.Errorf("usecase: decode qa response trailing data: %w", err)
	}

	answer := bytes.TrimSpace(out.Answer)
	if len(answer) == 0 || bytes.Equal(answer, []byte("null")) {
		return "", errors.New("usecase: qa response has no answer")
	}

	var text string
	switch answer[0] {
	case '"':
		if err := json.Unmarshal(answer, &text); err != nil {
			return "", fmt.Errorf("usecase: decode answer string: %w", err)
		}
	case '{':
		var obj resultAnswer
		if err := json.Unmarshal(answer, &obj); err != nil {
			return "", fmt.Errorf("usecase: decode answer object: %w", err)
		}
		if obj.Result == nil {
			return "", errors.New("usecase: answer object missing result")
		}
		text = *obj.Result
	default:
		return "", fmt.Errorf("usecase: answer has unexpected JSON type %q", answer[:1])
	}

	if strings.TrimSpace(text) == "" {
		return "", errors.New("usecase: answer is empty")
	}
	return text, nil
}
