// Package configrpc implements the config-plane RPCs: discovery of the
// layered configuration tables (system < user < project hierarchy <
// managed-override < CLI overrides), deep-merge, content-derived
// versioning, and optimistic-concurrency dotted-path writes.
package configrpc

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

// ManagedConfigPathEnv overrides the managed-config file location.
const ManagedConfigPathEnv = "CODEX_APP_SERVER_MANAGED_CONFIG_PATH"

// MergeStrategy selects how a config write applies at its key path.
type MergeStrategy string

const (
	// StrategyReplace overwrites the value at the key path wholesale.
	StrategyReplace MergeStrategy = "replace"
	// StrategyUpsert deep-merges the new value into whatever is already
	// at the key path.
	StrategyUpsert MergeStrategy = "upsert"
)

// Edit is one dotted-key-path write within a configValueWrite/
// configBatchWrite call.
type Edit struct {
	Path     string        `json:"path"`
	Value    any           `json:"value"`
	Strategy MergeStrategy `json:"strategy"`
}

const configWriteErrConflict = "ConfigVersionConflict"
const configWriteErrValidation = "ConfigValidationError"

// RPC implements processor.ConfigRPC.
type RPC struct {
	// CodeHome is the user's state directory; user-layer config and the
	// default write target live at CodeHome/config.toml.
	CodeHome string

	// CLIOverrides holds the parsed "-c key=value" overrides from the
	// command line (see ParseCLIOverrides). They form an in-memory layer
	// merged above every on-disk layer, managed override included, so an
	// operator flag wins over any file. Writes never touch this layer.
	CLIOverrides map[string]any
}

// New constructs an RPC rooted at codeHome.
func New(codeHome string) *RPC {
	return &RPC{CodeHome: codeHome}
}

type readParams struct {
	Cwd            string `json:"cwd"`
	IncludeOrigins bool   `json:"includeOrigins"`
	IncludeLayers  bool   `json:"includeLayers"`
}

type layerFile struct {
	name string
	path string
}

// loadLayers discovers every existing config layer in root-to-leaf order:
// system < user < project hierarchy (only ancestors of cwd, closest last) <
// managed override. Missing files at any layer are silently skipped.
func (r *RPC) loadLayers(cwd string) []layerFile {
	var layers []layerFile

	if runtime.GOOS != "windows" {
		layers = append(layers, layerFile{"system", "/etc/code/config.toml"})
	}

	layers = append(layers, layerFile{"user", filepath.Join(r.CodeHome, "config.toml")})

	for _, p := range projectLayerPaths(cwd) {
		layers = append(layers, layerFile{"project", p})
	}

	managed := os.Getenv(ManagedConfigPathEnv)
	if managed == "" {
		if runtime.GOOS != "windows" {
			managed = "/etc/code/managed_config.toml"
		} else {
			managed = filepath.Join(r.CodeHome, "managed_config.toml")
		}
	}
	layers = append(layers, layerFile{"managed", managed})

	existing := layers[:0]
	for _, l := range layers {
		if _, err := os.Stat(l.path); err == nil {
			existing = append(existing, l)
		}
	}
	return existing
}

// projectLayerPaths walks from cwd upward through ancestors collecting
// existing .codex/config.toml files, pushed root-to-leaf (furthest
// ancestor first, cwd itself last) so nearer overrides win the merge.
func projectLayerPaths(cwd string) []string {
	if cwd == "" {
		return nil
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil
	}

	var ancestors []string
	dir := abs
	for {
		ancestors = append(ancestors, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	var out []string
	for i := len(ancestors) - 1; i >= 0; i-- {
		candidate := filepath.Join(ancestors[i], ".codex", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			out = append(out, candidate)
		}
	}
	return out
}

// mergeTomlValues deep-merges overlay into base: table keys recurse,
// everything else (scalars, arrays, scalar-over-table, table-over-scalar)
// is replaced wholesale by the overlay.
func mergeTomlValues(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		bv, exists := out[k]
		if exists {
			bvTable, bvOk := bv.(map[string]any)
			ovTable, ovOk := ov.(map[string]any)
			if bvOk && ovOk {
				out[k] = mergeTomlValues(bvTable, ovTable)
				continue
			}
		}
		out[k] = ov
	}
	return out
}

func loadTomlFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// valueVersion computes a content-derived version string: FNV-1a over
// the TOML serialization.
func valueVersion(m map[string]any) (string, error) {
	b, err := toml.Marshal(m)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("fnv1a:%016x", h.Sum64()), nil
}

// collectOriginPaths returns every dotted key path present in m, keys
// sorted and each table's path listed before the paths nested under it,
// used to annotate which layer defined which key when origins are
// requested.
func collectOriginPaths(prefix string, m map[string]any) []string {
	var out []string
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		out = append(out, path)
		if nested, ok := m[k].(map[string]any); ok {
			out = append(out, collectOriginPaths(path, nested)...)
		}
	}
	return out
}

// Read implements configRead: loads every existing layer, deep-merges them
// in order, and optionally reports per-key origins and raw per-layer
// content.
func (r *RPC) Read(rawParams json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
	var params readParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, invalidRequest("invalid params")
		}
	}

	layers := r.loadLayers(params.Cwd)

	merged := map[string]any{}
	origins := map[string]string{}
	var layerDump []map[string]any

	for _, l := range layers {
		m, err := loadTomlFile(l.path)
		if err != nil {
			return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: fmt.Sprintf("config: failed to load %s layer: %v", l.name, err)}
		}
		merged = mergeTomlValues(merged, m)
		if params.IncludeOrigins {
			for _, path := range collectOriginPaths("", m) {
				origins[path] = l.name
				clearDescendantOrigins(origins, m, path)
			}
		}
		if params.IncludeLayers {
			layerDump = append(layerDump, m)
		}
	}

	if len(r.CLIOverrides) > 0 {
		merged = mergeTomlValues(merged, r.CLIOverrides)
		if params.IncludeOrigins {
			for _, path := range collectOriginPaths("", r.CLIOverrides) {
				origins[path] = "cli"
				clearDescendantOrigins(origins, r.CLIOverrides, path)
			}
		}
		if params.IncludeLayers {
			layerDump = append(layerDump, r.CLIOverrides)
		}
	}

	resp := map[string]any{"config": merged}
	if params.IncludeOrigins {
		resp["origins"] = origins
	}
	if params.IncludeLayers {
		resp["layers"] = layerDump
	}

	b, err := json.Marshal(resp)
	if err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	return b, nil
}

// clearDescendantOrigins drops every already-recorded origin nested under
// path when layer m defines path as a non-table value: a later layer
// overriding a whole table invalidates the finer-grained origins a
// previous layer had recorded under it. When m defines path as a table,
// the tables merge and the earlier origins are kept.
func clearDescendantOrigins(origins map[string]string, m map[string]any, path string) {
	var v any = m
	for _, seg := range strings.Split(path, ".") {
		table, ok := v.(map[string]any)
		if !ok {
			return
		}
		v = table[seg]
	}
	if _, isTable := v.(map[string]any); isTable {
		return
	}
	prefix := path + "."
	for k := range origins {
		if strings.HasPrefix(k, prefix) {
			delete(origins, k)
		}
	}
}

func invalidRequest(msg string) *jsonrpc.ErrorObject {
	return &jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidRequest, Message: msg}
}
