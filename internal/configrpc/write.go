package configrpc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

type valueWriteParams struct {
	FilePath        string `json:"filePath"`
	Path            string `json:"path"`
	Value           any    `json:"value"`
	Strategy        string `json:"strategy"`
	ExpectedVersion string `json:"expectedVersion"`
}

type batchWriteParams struct {
	FilePath        string `json:"filePath"`
	Edits           []Edit `json:"edits"`
	ExpectedVersion string `json:"expectedVersion"`
}

// ValueWrite implements configValueWrite: a single dotted-path edit.
func (r *RPC) ValueWrite(rawParams json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
	var params valueWriteParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, invalidRequest("invalid params")
	}
	strategy := MergeStrategy(params.Strategy)
	if strategy == "" {
		strategy = StrategyUpsert
	}
	return r.writeEdits(params.FilePath, []Edit{{Path: params.Path, Value: params.Value, Strategy: strategy}}, params.ExpectedVersion)
}

// BatchWrite implements configBatchWrite: a sequence of dotted-path edits
// applied to the same file under one expected_version check.
func (r *RPC) BatchWrite(rawParams json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
	var params batchWriteParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, invalidRequest("invalid params")
	}
	return r.writeEdits(params.FilePath, params.Edits, params.ExpectedVersion)
}

// RequirementsRead implements configRequirementsRead. No requirement
// schema is defined, so it always answers {requirements: null}.
func (r *RPC) RequirementsRead() (json.RawMessage, *jsonrpc.ErrorObject) {
	return json.RawMessage(`{"requirements":null}`), nil
}

func (r *RPC) writeEdits(filePath string, edits []Edit, expectedVersion string) (json.RawMessage, *jsonrpc.ErrorObject) {
	path := filePath
	if path == "" {
		path = filepath.Join(r.CodeHome, "config.toml")
	}

	existing, err := loadTomlFile(path)
	if err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}

	currentVersion, err := valueVersion(existing)
	if err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}

	if expectedVersion != "" && expectedVersion != currentVersion {
		return nil, &jsonrpc.ErrorObject{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: "config version conflict",
			Data:    mustJSON(map[string]string{"config_write_error_code": configWriteErrConflict}),
		}
	}

	updated := existing
	for _, e := range edits {
		var applyErr *jsonrpc.ErrorObject
		updated, applyErr = applyEdit(updated, e)
		if applyErr != nil {
			return nil, applyErr
		}
	}

	out, err := toml.Marshal(updated)
	if err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}

	newVersion, err := valueVersion(updated)
	if err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}

	resp, _ := json.Marshal(map[string]any{
		"status":   "ok",
		"version":  newVersion,
		"filePath": path,
	})
	return resp, nil
}

// applyEdit resolves a dotted key path, auto-creating intermediate tables,
// and applies e's value with the requested merge strategy. An empty path
// fails ConfigValidationError.
func applyEdit(root map[string]any, e Edit) (map[string]any, *jsonrpc.ErrorObject) {
	segments := strings.Split(e.Path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, &jsonrpc.ErrorObject{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: "empty config key path",
			Data:    mustJSON(map[string]string{"config_write_error_code": configWriteErrValidation}),
		}
	}

	strategy := e.Strategy
	if strategy == "" {
		strategy = StrategyUpsert
	}

	return applySegments(root, segments, e.Value, strategy), nil
}

func applySegments(node map[string]any, segments []string, value any, strategy MergeStrategy) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}

	key := segments[0]
	if len(segments) == 1 {
		if strategy == StrategyUpsert {
			if existingTable, ok := out[key].(map[string]any); ok {
				if newTable, ok := value.(map[string]any); ok {
					out[key] = mergeTomlValues(existingTable, newTable)
					return out
				}
			}
		}
		out[key] = value
		return out
	}

	child, _ := out[key].(map[string]any)
	if child == nil {
		child = map[string]any{}
	}
	out[key] = applySegments(child, segments[1:], value, strategy)
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return b
}
