package feed

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"controlncenter/pkg/errors"
	"controlncenter/pkg/grbl"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeHostError      = -32000
	codePrecondition   = -32001
	codeTransport      = -32002
)

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// paramError is a bad or missing parameter.
type paramError struct{ msg string }

func (e paramError) Error() string { return e.msg }

var errMethodNotFound = stderrors.New("method not found")

func (s *Server) call(ctx context.Context, req rpcRequest) rpcResponse {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	result, err := s.dispatchMethod(ctx, req.Method, req.Params)
	if err != nil {
		s.log.WithField("method", req.Method).WithError(err).Debug("call failed")
		return rpcResponse{JSONRPC: "2.0", Error: toRPCError(req.Method, err), ID: req.ID}
	}
	return rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func toRPCError(method string, err error) *rpcError {
	var pe paramError
	switch {
	case err == errMethodNotFound:
		return &rpcError{Code: codeMethodNotFound, Message: "method not found: " + method}
	case stderrors.As(err, &pe), errors.Is(err, errors.ErrEncoding):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, errors.ErrPrecondition):
		return &rpcError{Code: codePrecondition, Message: err.Error()}
	case errors.Is(err, errors.ErrTransport):
		return &rpcError{Code: codeTransport, Message: err.Error()}
	default:
		return &rpcError{Code: codeHostError, Message: err.Error()}
	}
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "server.info":
		return s.serverInfo(), nil
	case "machine.snapshot":
		return s.cfg.Machine.Snapshot(), nil
	case "machine.ask":
		return s.methodAsk(ctx, params)
	case "machine.line":
		return s.methodLine(ctx, params)
	case "machine.zero":
		return s.methodZero(ctx, params)
	case "config.start":
		return s.do(ctx, func(_ *grbl.Machine, seq *grbl.Sequencer) error { return seq.Start() })
	case "config.finish":
		return s.methodFinish(ctx, params)
	case "config.cancel":
		return s.do(ctx, func(_ *grbl.Machine, seq *grbl.Sequencer) error {
			seq.Cancel()
			return nil
		})
	case "config.state":
		return s.methodConfigState(ctx)
	default:
		return nil, errMethodNotFound
	}
}

func (s *Server) do(ctx context.Context, fn func(*grbl.Machine, *grbl.Sequencer) error) (any, error) {
	if err := s.cfg.Machine.Do(ctx, fn); err != nil {
		return nil, err
	}
	return "ok", nil
}

func stringParam(params map[string]any, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok {
		if required {
			return "", paramError{fmt.Sprintf("missing parameter %q", key)}
		}
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", paramError{fmt.Sprintf("parameter %q must be a string", key)}
	}
	return str, nil
}

func (s *Server) methodAsk(ctx context.Context, params map[string]any) (any, error) {
	name, err := stringParam(params, "command", true)
	if err != nil {
		return nil, err
	}
	sub, err := stringParam(params, "sub", false)
	if err != nil {
		return nil, err
	}
	cmd, subCmd, err := grbl.ParseCommand(name, sub)
	if err != nil {
		return nil, err
	}
	return s.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error { return m.Ask(cmd, subCmd) })
}

func (s *Server) methodLine(ctx context.Context, params map[string]any) (any, error) {
	line, err := stringParam(params, "line", true)
	if err != nil {
		return nil, err
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return nil, paramError{"line must be a single non-empty line"}
	}
	return s.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error { return m.SendLine(line) })
}

func (s *Server) methodZero(ctx context.Context, params map[string]any) (any, error) {
	name, err := stringParam(params, "axis", true)
	if err != nil {
		return nil, err
	}
	axis, err := grbl.ParseAxis(name)
	if err != nil {
		return nil, paramError{err.Error()}
	}
	return s.do(ctx, func(m *grbl.Machine, _ *grbl.Sequencer) error { return m.ZeroWorking(axis) })
}

// methodFinish takes {"accept": bool, "config": {"$110": "1000.000"}}.
// Without "config" the settings that were read are written back.
func (s *Server) methodFinish(ctx context.Context, params map[string]any) (any, error) {
	accept, ok := params["accept"].(bool)
	if !ok {
		return nil, paramError{`parameter "accept" must be a boolean`}
	}
	var edited *grbl.ConfigStore
	if raw, ok := params["config"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, paramError{err.Error()}
		}
		edited = grbl.NewConfigStore()
		if err := edited.UnmarshalJSON(data); err != nil {
			return nil, paramError{"config: " + err.Error()}
		}
	}
	return s.do(ctx, func(_ *grbl.Machine, seq *grbl.Sequencer) error { return seq.Finish(accept, edited) })
}

func (s *Server) methodConfigState(ctx context.Context) (any, error) {
	var (
		state    grbl.SequencerState
		rejected []int
	)
	err := s.cfg.Machine.Do(ctx, func(_ *grbl.Machine, seq *grbl.Sequencer) error {
		state = seq.State()
		rejected = seq.Rejected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, len(rejected))
	for i, k := range rejected {
		names[i] = "$" + grbl.KeyName(k)
	}
	return map[string]any{"state": state.String(), "rejected": names}, nil
}
