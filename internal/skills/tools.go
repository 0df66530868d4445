package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openpista/openpista/internal/agent"
	exectools "github.com/openpista/openpista/internal/tools/exec"
	wasmtools "github.com/openpista/openpista/internal/tools/wasm"
)

// SkillToolMode selects the dispatch target for a skill-contributed tool:
// subprocess (script/command interpreter) or wasm (guest module sandbox).
type SkillToolMode string

const (
	// ModeSubprocess runs Command/Script through the shared exec manager.
	// This is the default when Mode is unset, for compatibility with
	// manifests written before wasm mode existed.
	ModeSubprocess SkillToolMode = "subprocess"

	// ModeWASM runs Script as a compiled guest module through the wazero
	// sandbox, exchanging ToolCall/ToolResult JSON via the alloc/run/dealloc
	// ABI.
	ModeWASM SkillToolMode = "wasm"
)

// SkillToolSpec defines a tool provided by a skill.
type SkillToolSpec struct {
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	Schema         map[string]any `json:"schema" yaml:"schema"`
	Mode           SkillToolMode  `json:"mode" yaml:"mode"`
	Command        string         `json:"command" yaml:"command"`
	Script         string         `json:"script" yaml:"script"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	WorkingDir     string         `json:"cwd" yaml:"cwd"`
}

// effectiveMode normalizes an unset Mode to ModeSubprocess.
func (s SkillToolSpec) effectiveMode() SkillToolMode {
	if s.Mode == "" {
		return ModeSubprocess
	}
	return s.Mode
}

// sharedWASMExecutor lazily builds a single wazero-backed executor the
// process-wide skill tool registry dispatches wasm-mode calls through.
// Compiled modules are cached inside it per entry path, so paying wazero's
// compile cost happens at most once per distinct skill module.
var (
	wasmExecutorOnce sync.Once
	wasmExecutor     *wasmtools.Executor
	wasmExecutorErr  error
)

func sharedWASMExecutor(ctx context.Context) (*wasmtools.Executor, error) {
	wasmExecutorOnce.Do(func() {
		wasmExecutor, wasmExecutorErr = wasmtools.NewExecutor(ctx)
	})
	return wasmExecutor, wasmExecutorErr
}

// BuildSkillTools creates executable tools from a skill definition. Each
// spec's Mode picks whether the tool dispatches to the subprocess exec
// manager or the WASM guest sandbox.
func BuildSkillTools(skill *SkillEntry, execManager *exectools.Manager) []agent.Tool {
	if skill == nil || skill.Metadata == nil || len(skill.Metadata.Tools) == 0 {
		return nil
	}

	tools := make([]agent.Tool, 0, len(skill.Metadata.Tools))
	for _, spec := range skill.Metadata.Tools {
		if strings.TrimSpace(spec.Name) == "" {
			continue
		}
		switch spec.effectiveMode() {
		case ModeWASM:
			tools = append(tools, &wasmSkillTool{skill: skill, spec: spec})
		default:
			if execManager == nil {
				continue
			}
			tools = append(tools, &skillTool{
				skill:   skill,
				spec:    spec,
				manager: execManager,
			})
		}
	}
	return tools
}

type skillTool struct {
	skill   *SkillEntry
	spec    SkillToolSpec
	manager *exectools.Manager
}

func (t *skillTool) Name() string {
	return t.spec.Name
}

func (t *skillTool) Description() string {
	if t.spec.Description != "" {
		return t.spec.Description
	}
	return "Skill tool: " + t.spec.Name
}

func (t *skillTool) Schema() json.RawMessage {
	if t.spec.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	payload, err := json.Marshal(t.spec.Schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *skillTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return &agent.ToolResult{Content: "exec manager unavailable", IsError: true}, nil
	}
	command := strings.TrimSpace(t.spec.Command)
	script := strings.TrimSpace(t.spec.Script)
	if command == "" {
		command = "bash"
	}

	input := string(params)
	if script != "" {
		scriptPath := filepath.Join(t.skill.Path, script)
		content, err := os.ReadFile(scriptPath)
		if err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("read script: %v", err), IsError: true}, nil
		}
		input = string(content)
	}

	env := map[string]string{
		"OPENPISTA_TOOL_INPUT": string(params),
		"OPENPISTA_TOOL_NAME":  t.spec.Name,
	}
	if t.skill != nil {
		env["OPENPISTA_SKILL_NAME"] = t.skill.Name
		env["OPENPISTA_SKILL_DIR"] = t.skill.Path
	}

	cwd := strings.TrimSpace(t.spec.WorkingDir)
	if cwd == "" {
		cwd = t.skill.Path
	}
	timeout := time.Duration(t.spec.TimeoutSeconds) * time.Second

	result, err := t.manager.RunCommand(ctx, command, cwd, env, input, timeout)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("encode result: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// wasmSkillTool dispatches a skill tool call to a compiled guest module
// through the shared wazero sandbox rather than a subprocess.
type wasmSkillTool struct {
	skill *SkillEntry
	spec  SkillToolSpec
}

func (t *wasmSkillTool) Name() string {
	return t.spec.Name
}

func (t *wasmSkillTool) Description() string {
	if t.spec.Description != "" {
		return t.spec.Description
	}
	return "Skill tool (wasm): " + t.spec.Name
}

func (t *wasmSkillTool) Schema() json.RawMessage {
	if t.spec.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	payload, err := json.Marshal(t.spec.Schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *wasmSkillTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	entry := strings.TrimSpace(t.spec.Script)
	if entry == "" {
		return &agent.ToolResult{Content: "wasm skill tool has no entry module configured", IsError: true}, nil
	}
	modulePath := filepath.Join(t.skill.Path, entry)

	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("decode arguments: %v", err), IsError: true}, nil
		}
	}

	executor, err := sharedWASMExecutor(ctx)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("wasm executor unavailable: %v", err), IsError: true}, nil
	}

	result, err := executor.Run(ctx, modulePath, wasmtools.ToolCall{
		Name:      t.spec.Name,
		Arguments: args,
		Workspace: t.skill.Path,
	})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("wasm guest execution failed: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: result.Content, IsError: result.IsError}, nil
}
