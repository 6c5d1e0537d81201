package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Request is a parsed run request. Variable values stay raw JSON; the
// server never interprets them beyond the file-reference kind.
type Request struct {
	Operation       string                     `json:"operation,omitempty"`
	InputVariables  map[string]json.RawMessage `json:"inputVariables,omitempty"`
	OutputVariables map[string]json.RawMessage `json:"outputVariables,omitempty"`
	Options         map[string]string          `json:"options,omitempty"`
	// Async overrides the descriptor default when set.
	Async *bool `json:"async,omitempty"`
}

type wireRequest struct {
	Operation       string                     `json:"operation"`
	InputVariables  map[string]json.RawMessage `json:"inputVariables"`
	InputArguments  map[string]json.RawMessage `json:"inputArguments"`
	OutputVariables map[string]json.RawMessage `json:"outputVariables"`
	OutputArguments map[string]json.RawMessage `json:"outputArguments"`
	Options         map[string]json.RawMessage `json:"options"`
	Async           *bool                      `json:"async"`
}

// ParseRequest decodes a run request body. inputArguments and
// outputArguments are accepted as aliases and merged into the variable maps.
// An empty body is an empty request.
func ParseRequest(body []byte) (*Request, error) {
	req := &Request{
		InputVariables:  map[string]json.RawMessage{},
		OutputVariables: map[string]json.RawMessage{},
		Options:         map[string]string{},
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}

	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	req.Operation = w.Operation
	req.Async = w.Async
	merge(req.InputVariables, w.InputArguments)
	merge(req.InputVariables, w.InputVariables)
	merge(req.OutputVariables, w.OutputArguments)
	merge(req.OutputVariables, w.OutputVariables)

	for name, raw := range w.Options {
		v, err := optionString(raw)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", name, err)
		}
		req.Options[name] = v
	}
	return req, nil
}

func merge(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		dst[k] = v
	}
}

// optionString renders a scalar option value as it appears on the command
// line.
func optionString(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		return "", errors.New("must be a string, number or boolean")
	}
}
