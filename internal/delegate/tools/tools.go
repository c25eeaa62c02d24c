// Package tools implements the ToolBackend interface: the built-in
// handlers the engine requires (read_file, write_file, patch_file, list_files,
// file_exists, execute_bash_command, execute_python_code, get_system_prompt,
// set_system_prompt, read_image) plus a merge point for remote MCP-style tools
// discovered elsewhere, dispatched by fully-qualified name with results wrapped
// in an isError flag rather than a Go error.
package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// RemoteLister supplies the tool descriptors of connected MCP servers; the engine
// does not implement MCP transport itself (out of scope ), so this is an
// injected collaborator a real embedder wires to its own gateway.
type RemoteLister interface {
	ListRemoteTools(ctx context.Context) ([]delegate.ToolDescriptor, error)
	CallRemote(ctx context.Context, name string, args map[string]any) (string, bool, error)
}

// Backend implements delegate.ToolBackend, merging built-in handlers with whatever
// remote tools a RemoteLister currently exposes.
type Backend struct {
	fs     delegate.FS
	runner delegate.Runner
	remote RemoteLister
	log    zerolog.Logger

	mu           sync.RWMutex
	systemPrompt string

	schemas map[string]*jsonschema.Schema
}

// NewBackend constructs a Backend. remote may be nil if no MCP servers are
// configured, in which case ListTools reports only built-ins.
func NewBackend(fs delegate.FS, runner delegate.Runner, remote RemoteLister, log zerolog.Logger) *Backend {
	b := &Backend{
		fs:     fs,
		runner: runner,
		remote: remote,
		log:    log.With().Str("component", "tools").Logger(),
	}
	b.schemas = compileBuiltinSchemas(b.log)
	return b
}

func (b *Backend) ListTools(ctx context.Context) ([]delegate.ToolDescriptor, error) {
	out := append([]delegate.ToolDescriptor(nil), builtinDescriptors...)
	if b.remote != nil {
		remote, err := b.remote.ListRemoteTools(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, remote...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	if !strings.HasPrefix(name, "builtin.") {
		if b.remote == nil {
			return "", false, delegate.NewTaskError(delegate.ErrUnknownTool, "tools", "unknown tool "+name, nil, "tool", name)
		}
		return b.remote.CallRemote(ctx, name, args)
	}

	if schema, ok := b.schemas[name]; ok {
		if err := validateArgs(schema, args); err != nil {
			return fmt.Sprintf("invalid arguments for %s: %v", name, err), true, nil
		}
	}

	switch name {
	case "builtin.read_file":
		return b.readFile(args)
	case "builtin.write_file":
		return b.writeFile(args)
	case "builtin.patch_file":
		return b.patchFile(args)
	case "builtin.list_files":
		return b.listFiles(args)
	case "builtin.file_exists":
		return b.fileExists(args)
	case "builtin.execute_bash_command":
		return b.executeBash(ctx, args)
	case "builtin.execute_python_code":
		return b.executePython(ctx, args)
	case "builtin.get_system_prompt":
		return b.getSystemPrompt()
	case "builtin.set_system_prompt":
		return b.setSystemPrompt(args)
	case "builtin.read_image":
		return b.readImage(args)
	default:
		return "", false, delegate.NewTaskError(delegate.ErrUnknownTool, "tools", "unknown builtin tool "+name, nil, "tool", name)
	}
}

// toolResultOrErr formats a recovered (non-programmer) error as tool-result text
// so the model sees a readable failure message instead of the call aborting.
func toolResultOrErr(err error) (string, bool, error) {
	if te, ok := err.(*delegate.TaskError); ok && !te.Kind.IsTerminal() {
		return te.Error(), true, nil
	}
	return "", false, err
}

func getString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func getStringOpt(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return fallback
}

func (b *Backend) readFile(args map[string]any) (string, bool, error) {
	path, err := getString(args, "path")
	if err != nil {
		return err.Error(), true, nil
	}
	data, err := b.fs.ReadFile(path)
	if err != nil {
		return toolResultOrErr(err)
	}
	return string(data), false, nil
}

func (b *Backend) writeFile(args map[string]any) (string, bool, error) {
	path, err := getString(args, "path")
	if err != nil {
		return err.Error(), true, nil
	}
	content, err := getString(args, "content")
	if err != nil {
		return err.Error(), true, nil
	}
	if err := b.fs.WriteFile(path, []byte(content)); err != nil {
		return toolResultOrErr(err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false, nil
}

func (b *Backend) patchFile(args map[string]any) (string, bool, error) {
	path, err := getString(args, "path")
	if err != nil {
		return err.Error(), true, nil
	}
	rawChanges, ok := args["changes"].([]any)
	if !ok || len(rawChanges) == 0 {
		return "missing or empty \"changes\" array", true, nil
	}
	changes := make([]Change, 0, len(rawChanges))
	for _, rc := range rawChanges {
		m, ok := rc.(map[string]any)
		if !ok {
			return "each change must be an object", true, nil
		}
		search, _ := m["search"].(string)
		replace, _ := m["replace"].(string)
		occurrence := 0
		switch v := m["occurrence"].(type) {
		case float64:
			occurrence = int(v)
		case int:
			occurrence = v
		}
		changes = append(changes, Change{Search: search, Replace: replace, Occurrence: occurrence})
	}

	exists, isDir, err := b.fs.Stat(path)
	if err != nil {
		return toolResultOrErr(err)
	}
	if !exists || isDir {
		return toolResultOrErr(delegate.NewTaskError(delegate.ErrFileMissing, "patch_file", "file not found: "+path, nil, "path", path))
	}
	original, err := b.fs.ReadFile(path)
	if err != nil {
		return toolResultOrErr(err)
	}
	patched, err := applyPatch(string(original), changes)
	if err != nil {
		return toolResultOrErr(err)
	}
	if err := b.fs.WriteFile(path, []byte(patched)); err != nil {
		return toolResultOrErr(err)
	}
	return fmt.Sprintf("applied %d change(s) to %s", len(changes), path), false, nil
}

func (b *Backend) listFiles(args map[string]any) (string, bool, error) {
	path := getStringOpt(args, "path", ".")
	names, err := b.fs.List(path)
	if err != nil {
		return toolResultOrErr(err)
	}
	return strings.Join(names, "\n"), false, nil
}

func (b *Backend) fileExists(args map[string]any) (string, bool, error) {
	path, err := getString(args, "path")
	if err != nil {
		return err.Error(), true, nil
	}
	exists, isDir, err := b.fs.Stat(path)
	if err != nil {
		return toolResultOrErr(err)
	}
	if !exists {
		return "false", false, nil
	}
	if isDir {
		return "true (directory)", false, nil
	}
	return "true", false, nil
}

func (b *Backend) executeBash(ctx context.Context, args map[string]any) (string, bool, error) {
	command, err := getString(args, "command")
	if err != nil {
		return err.Error(), true, nil
	}
	if b.runner == nil {
		return "execute_bash_command: no runner configured", true, nil
	}
	output, exitCode, err := b.runner.RunBash(ctx, command)
	if err != nil {
		return err.Error(), true, nil
	}
	if exitCode != 0 {
		return fmt.Sprintf("exit code %d:\n%s", exitCode, output), true, nil
	}
	return output, false, nil
}

func (b *Backend) executePython(ctx context.Context, args map[string]any) (string, bool, error) {
	code, err := getString(args, "code")
	if err != nil {
		return err.Error(), true, nil
	}
	if b.runner == nil {
		return "execute_python_code: no runner configured", true, nil
	}
	output, err := b.runner.RunPython(ctx, code)
	if err != nil {
		return err.Error(), true, nil
	}
	return output, false, nil
}

func (b *Backend) getSystemPrompt() (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.systemPrompt, false, nil
}

func (b *Backend) setSystemPrompt(args map[string]any) (string, bool, error) {
	prompt, err := getString(args, "prompt")
	if err != nil {
		return err.Error(), true, nil
	}
	b.mu.Lock()
	b.systemPrompt = prompt
	b.mu.Unlock()
	return "system prompt updated", false, nil
}

func (b *Backend) readImage(args map[string]any) (string, bool, error) {
	path, err := getString(args, "path")
	if err != nil {
		return err.Error(), true, nil
	}
	data, err := b.fs.ReadFile(path)
	if err != nil {
		return toolResultOrErr(err)
	}
	return "data:image/*;base64," + base64.StdEncoding.EncodeToString(data), false, nil
}
