package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/mcp"
)

// varsSentinel separates user output from the serialized sandbox state in
// captured stdout.
const varsSentinel = "\x00PILOT_VARS\x00"

// pythonService executes Python code in short-lived isolated interpreter
// processes and manages a directory of stored scripts. Named sandboxes
// persist JSON-serializable variables between calls by replaying a state
// snapshot into the next interpreter.
type pythonService struct {
	baseDir string
	cfg     config.SandboxConfig

	mu        sync.Mutex
	sandboxes map[string]map[string]json.RawMessage
}

func newPythonService(cfg map[string]any, deps Deps) (*mcp.Server, error) {
	baseDir := "python_scripts"
	if v, ok := cfg["base_dir"].(string); ok && v != "" {
		baseDir = v
	}
	dir := filepath.Join(deps.DataDir, filepath.Clean("/"+baseDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create script dir: %w", err)
	}

	sandbox := deps.Sandbox
	if sandbox.Interpreter == "" {
		sandbox.Interpreter = "python3"
	}
	if sandbox.ExecTimeout <= 0 {
		sandbox.ExecTimeout = 5 * time.Second
	}
	if sandbox.MaxOutputBytes <= 0 {
		sandbox.MaxOutputBytes = 64 * 1024
	}

	p := &pythonService{
		baseDir:   dir,
		cfg:       sandbox,
		sandboxes: make(map[string]map[string]json.RawMessage),
	}

	s := mcp.NewServer("python", "1.0.0")
	register := func(name, description, schema string, fn mcp.ToolFunc) error {
		return s.RegisterTool(name, description, json.RawMessage(schema), fn)
	}

	steps := []error{
		register("script_write", "Write a Python script file",
			`{"type":"object","properties":{
				"filename":{"type":"string","description":"Script file name"},
				"content":{"type":"string","description":"Script source"}},
				"required":["filename","content"]}`, p.scriptWrite),
		register("script_read", "Read a stored Python script",
			`{"type":"object","properties":{
				"filename":{"type":"string","description":"Script file name"}},
				"required":["filename"]}`, p.scriptRead),
		register("script_list", "List stored Python scripts",
			`{"type":"object"}`, p.scriptList),
		register("script_delete", "Delete a stored Python script",
			`{"type":"object","properties":{
				"filename":{"type":"string","description":"Script file name"}},
				"required":["filename"]}`, p.scriptDelete),
		register("execute_code", "Execute Python code in an isolated interpreter",
			`{"type":"object","properties":{
				"code":{"type":"string","description":"Python source to execute"},
				"sandbox":{"type":"string","description":"Named sandbox retaining variables across calls"},
				"timeout_seconds":{"type":"number","description":"Execution timeout override"}},
				"required":["code"]}`, p.executeCode),
		register("execute_file", "Execute a stored Python script",
			`{"type":"object","properties":{
				"filename":{"type":"string","description":"Script file name"},
				"timeout_seconds":{"type":"number","description":"Execution timeout override"}},
				"required":["filename"]}`, p.executeFile),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// scriptPath confines file names to the service's base directory.
func (p *pythonService) scriptPath(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(filename)
	if cleaned != filepath.Base(cleaned) || strings.HasPrefix(cleaned, ".") {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	if !strings.HasSuffix(cleaned, ".py") {
		cleaned += ".py"
	}
	return filepath.Join(p.baseDir, cleaned), nil
}

func (p *pythonService) scriptWrite(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct{ Filename, Content string }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	path, err := p.scriptPath(in.Filename)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return mcp.ErrorResult("write script: %v", err), nil
	}
	return mcp.TextResult("wrote %s (%d bytes)", filepath.Base(path), len(in.Content)), nil
}

func (p *pythonService) scriptRead(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct{ Filename string }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	path, err := p.scriptPath(in.Filename)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.ErrorResult("read script: %v", err), nil
	}
	return mcp.TextResult("%s", data), nil
}

func (p *pythonService) scriptList(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		return mcp.ErrorResult("list scripts: %v", err), nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return mcp.TextResult("no scripts stored"), nil
	}
	return mcp.TextResult("%s", strings.Join(names, "\n")), nil
}

func (p *pythonService) scriptDelete(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct{ Filename string }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	path, err := p.scriptPath(in.Filename)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	if err := os.Remove(path); err != nil {
		return mcp.ErrorResult("delete script: %v", err), nil
	}
	return mcp.TextResult("deleted %s", filepath.Base(path)), nil
}

func (p *pythonService) executeCode(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		Code           string  `json:"code"`
		Sandbox        string  `json:"sandbox"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return p.run(ctx, in.Code, in.Sandbox, in.TimeoutSeconds)
}

func (p *pythonService) executeFile(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var in struct {
		Filename       string  `json:"filename"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	path, err := p.scriptPath(in.Filename)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return mcp.ErrorResult("read script: %v", err), nil
	}
	return p.run(ctx, string(code), "", in.TimeoutSeconds)
}

// run executes code in an isolated interpreter. For a named sandbox the
// previous variable snapshot is restored before the code runs and the new
// snapshot is captured afterwards.
func (p *pythonService) run(ctx context.Context, code, sandbox string, timeoutSeconds float64) (*mcp.ToolCallResult, error) {
	timeout := p.cfg.ExecTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds * float64(time.Second))
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	source := code
	if sandbox != "" {
		p.mu.Lock()
		state := p.sandboxes[sandbox]
		p.mu.Unlock()
		source = buildSandboxSource(code, state)
	}

	cmd := exec.CommandContext(runCtx, p.cfg.Interpreter, "-I", "-c", source)
	cmd.Dir = p.baseDir
	cmd.Env = []string{"PYTHONSAFEPATH=1", "PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	output, state := splitSandboxOutput(stdout.String())
	if sandbox != "" && state != nil {
		p.mu.Lock()
		p.sandboxes[sandbox] = state
		p.mu.Unlock()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return mcp.ErrorResult("execution timed out after %v", timeout), nil
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return mcp.ErrorResult("execution failed:\n%s", truncate(msg, p.cfg.MaxOutputBytes)), nil
	}

	combined := output
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		combined += "\n[stderr]\n" + errText
	}
	if strings.TrimSpace(combined) == "" {
		combined = "(no output)"
	}
	return mcp.TextResult("%s", truncate(combined, p.cfg.MaxOutputBytes)), nil
}

// buildSandboxSource wraps user code with the state restore prelude and
// the state capture epilogue.
func buildSandboxSource(code string, state map[string]json.RawMessage) string {
	stateJSON := "{}"
	if len(state) > 0 {
		if data, err := json.Marshal(state); err == nil {
			stateJSON = string(data)
		}
	}

	var b strings.Builder
	b.WriteString("import json as _pilot_json\n")
	fmt.Fprintf(&b, "globals().update(_pilot_json.loads(%q))\n", stateJSON)
	b.WriteString(code)
	b.WriteString("\n")
	fmt.Fprintf(&b, `
_pilot_state = {}
for _k, _v in list(globals().items()):
    if _k.startswith("_"):
        continue
    if isinstance(_v, (int, float, str, bool, list, dict)) or _v is None:
        try:
            _pilot_json.dumps(_v)
            _pilot_state[_k] = _v
        except (TypeError, ValueError):
            pass
print(%q + _pilot_json.dumps(_pilot_state))
`, varsSentinel)
	return b.String()
}

// splitSandboxOutput separates user stdout from the trailing state line.
func splitSandboxOutput(stdout string) (string, map[string]json.RawMessage) {
	idx := strings.LastIndex(stdout, varsSentinel)
	if idx < 0 {
		return strings.TrimRight(stdout, "\n"), nil
	}
	output := strings.TrimRight(stdout[:idx], "\n")
	var state map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout[idx+len(varsSentinel):])), &state); err != nil {
		return output, nil
	}
	return output, state
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max] + "\n... (output truncated)"
	}
	return s
}
