package main

import (
	"bytes"
	"context"
	"os/exec"
)

// shellRunner executes bash/python on the host process directly. It performs no
// sandboxing: execute_python_code's isolation policy is left to the injected
// Runner entirely (DESIGN.md Open Question #3); a production embedder should
// supply a containerized/jailed Runner instead of this one.
type shellRunner struct{}

func (shellRunner) RunBash(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return out.String(), exitCode, err
}

func (shellRunner) RunPython(ctx context.Context, code string) (string, error) {
	cmd := exec.CommandContext(ctx, "python3", "-c", code)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
