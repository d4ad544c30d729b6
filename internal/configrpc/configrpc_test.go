package configrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
}

// The merged value at any key equals the value in the last layer that
// defines it at that key or an ancestor table.
func TestRead_LayeringMergePrecedence(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()

	writeFile(t, filepath.Join(home, "config.toml"), "model = \"user-model\"\n[sandbox]\nmode = \"read-only\"\n")
	writeFile(t, filepath.Join(cwd, ".codex", "config.toml"), "[sandbox]\nnetwork = true\n")

	r := New(home)
	out, errObj := r.Read(mustMarshal(t, map[string]any{"cwd": cwd}))
	assert.Assert(t, errObj == nil)

	var resp struct {
		Config map[string]any `json:"config"`
	}
	assert.NilError(t, json.Unmarshal(out, &resp))

	assert.Equal(t, resp.Config["model"], "user-model")
	sandbox, ok := resp.Config["sandbox"].(map[string]any)
	assert.Assert(t, ok)
	// project layer's "network" key is added, user layer's "mode" key
	// survives the merge because sandbox is a table and tables recurse.
	assert.Equal(t, sandbox["mode"], "read-only")
	assert.Equal(t, sandbox["network"], true)
}

// TestRead_AbsentKeyIsUndefined: absent-at-every-layer yields absent,
// not a zero value.
func TestRead_AbsentKeyIsUndefined(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), "model = \"user-model\"\n")

	r := New(home)
	out, errObj := r.Read(mustMarshal(t, map[string]any{}))
	assert.Assert(t, errObj == nil)

	var resp struct {
		Config map[string]any `json:"config"`
	}
	assert.NilError(t, json.Unmarshal(out, &resp))
	_, present := resp.Config["nonexistent_key"]
	assert.Assert(t, !present)
}

// ParseCLIOverrides decodes each value as a TOML scalar or inline table
// and falls back to a plain string for values TOML rejects.
func TestParseCLIOverrides_ValueKinds(t *testing.T) {
	got, err := ParseCLIOverrides([]string{
		`model="quoted-model"`,
		`bare=gpt-x`,
		`sandbox.network=true`,
		`limits={lines = 200}`,
		`retries=3`,
	})
	assert.NilError(t, err)

	assert.Equal(t, got["model"], "quoted-model")
	assert.Equal(t, got["bare"], "gpt-x")
	sandbox := got["sandbox"].(map[string]any)
	assert.Equal(t, sandbox["network"], true)
	limits := got["limits"].(map[string]any)
	assert.Equal(t, limits["lines"], int64(200))
	assert.Equal(t, got["retries"], int64(3))
}

func TestParseCLIOverrides_RejectsMalformedPairs(t *testing.T) {
	_, err := ParseCLIOverrides([]string{"no-equals-sign"})
	assert.ErrorContains(t, err, "expected key=value")

	_, err = ParseCLIOverrides([]string{".leading=1"})
	assert.ErrorContains(t, err, "invalid override key")
}

// CLI overrides are the topmost layer: they win over every file layer at
// their key while leaving sibling keys from the files intact.
func TestRead_CLIOverridesWinOverFileLayers(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), "model = \"user-model\"\n[sandbox]\nmode = \"read-only\"\n")

	r := New(home)
	overrides, err := ParseCLIOverrides([]string{`model="cli-model"`, `sandbox.network=true`})
	assert.NilError(t, err)
	r.CLIOverrides = overrides

	out, errObj := r.Read(mustMarshal(t, map[string]any{}))
	assert.Assert(t, errObj == nil)

	var resp struct {
		Config map[string]any `json:"config"`
	}
	assert.NilError(t, json.Unmarshal(out, &resp))

	assert.Equal(t, resp.Config["model"], "cli-model")
	sandbox := resp.Config["sandbox"].(map[string]any)
	assert.Equal(t, sandbox["mode"], "read-only")
	assert.Equal(t, sandbox["network"], true)
}

// TestValueWrite_ExpectedVersionMatchSucceeds and the Conflict test below
// cover the optimistic-concurrency contract.
func TestValueWrite_ExpectedVersionMatchSucceeds(t *testing.T) {
	home := t.TempDir()
	r := New(home)

	// First write with no expected_version establishes v0.
	out0, errObj := r.ValueWrite(mustMarshal(t, map[string]any{
		"path": "model", "value": "v0-model",
	}))
	assert.Assert(t, errObj == nil)
	var resp0 struct {
		Version string `json:"version"`
	}
	assert.NilError(t, json.Unmarshal(out0, &resp0))

	// Second write with the correct expected_version succeeds.
	out1, errObj := r.ValueWrite(mustMarshal(t, map[string]any{
		"path": "model", "value": "v1-model", "expectedVersion": resp0.Version,
	}))
	assert.Assert(t, errObj == nil)

	var resp1 struct {
		Status string `json:"status"`
	}
	assert.NilError(t, json.Unmarshal(out1, &resp1))
	assert.Equal(t, resp1.Status, "ok")

	written, err := loadTomlFile(filepath.Join(home, "config.toml"))
	assert.NilError(t, err)
	assert.Equal(t, written["model"], "v1-model")
}

// TestValueWrite_VersionConflict: a write with a stale expected_version
// fails ConfigVersionConflict and the file is unchanged.
func TestValueWrite_VersionConflict(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), "model = \"original\"\n")
	r := New(home)

	_, errObj := r.ValueWrite(mustMarshal(t, map[string]any{
		"path": "model", "value": "attempted-overwrite", "expectedVersion": "fnv1a:deadbeef00000000",
	}))
	assert.Assert(t, errObj != nil)

	var data struct {
		ConfigWriteErrorCode string `json:"config_write_error_code"`
	}
	assert.NilError(t, json.Unmarshal(errObj.Data, &data))
	assert.Equal(t, data.ConfigWriteErrorCode, configWriteErrConflict)

	unchanged, err := loadTomlFile(filepath.Join(home, "config.toml"))
	assert.NilError(t, err)
	assert.Equal(t, unchanged["model"], "original")
}

// TestValueWrite_EmptyPathFailsValidation: empty key paths fail
// ConfigValidationError.
func TestValueWrite_EmptyPathFailsValidation(t *testing.T) {
	home := t.TempDir()
	r := New(home)

	_, errObj := r.ValueWrite(mustMarshal(t, map[string]any{"path": "", "value": "x"}))
	assert.Assert(t, errObj != nil)

	var data struct {
		ConfigWriteErrorCode string `json:"config_write_error_code"`
	}
	assert.NilError(t, json.Unmarshal(errObj.Data, &data))
	assert.Equal(t, data.ConfigWriteErrorCode, configWriteErrValidation)
}

// TestBatchWrite_UpsertDeepMergesTable covers the Upsert strategy: writing
// a table at an existing table path merges rather than replaces.
func TestBatchWrite_UpsertDeepMergesTable(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), "[sandbox]\nmode = \"read-only\"\n")
	r := New(home)

	_, errObj := r.BatchWrite(mustMarshal(t, map[string]any{
		"edits": []Edit{
			{Path: "sandbox", Value: map[string]any{"network": true}, Strategy: StrategyUpsert},
		},
	}))
	assert.Assert(t, errObj == nil)

	written, err := loadTomlFile(filepath.Join(home, "config.toml"))
	assert.NilError(t, err)
	sandbox := written["sandbox"].(map[string]any)
	assert.Equal(t, sandbox["mode"], "read-only")
	assert.Equal(t, sandbox["network"], true)
}

// TestBatchWrite_ReplaceOverwritesTable covers the Replace strategy: the
// existing table at the path is discarded wholesale.
func TestBatchWrite_ReplaceOverwritesTable(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), "[sandbox]\nmode = \"read-only\"\n")
	r := New(home)

	_, errObj := r.BatchWrite(mustMarshal(t, map[string]any{
		"edits": []Edit{
			{Path: "sandbox", Value: map[string]any{"network": true}, Strategy: StrategyReplace},
		},
	}))
	assert.Assert(t, errObj == nil)

	written, err := loadTomlFile(filepath.Join(home, "config.toml"))
	assert.NilError(t, err)
	sandbox := written["sandbox"].(map[string]any)
	_, hasMode := sandbox["mode"]
	assert.Assert(t, !hasMode)
	assert.Equal(t, sandbox["network"], true)
}

func TestRequirementsRead_AlwaysNull(t *testing.T) {
	r := New(t.TempDir())
	out, errObj := r.RequirementsRead()
	assert.Assert(t, errObj == nil)
	assert.Equal(t, string(out), `{"requirements":null}`)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	assert.NilError(t, err)
	return b
}
