package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"inkforge/internal/types"
)

// workspaceExecutor carries out approved actions against the local
// workspace. It is the engine's only effect boundary: nothing here runs
// until the gate has resolved the action to approved.
type workspaceExecutor struct {
	root string
}

func newWorkspaceExecutor(root string) *workspaceExecutor {
	return &workspaceExecutor{root: root}
}

func (w *workspaceExecutor) Execute(ctx context.Context, action types.ProposedAction) (string, error) {
	switch action.Kind {
	case types.ActionFileWrite:
		return w.writeFile(action.Payload)
	case types.ActionApplyDiff:
		return w.stageDiff(action)
	case types.ActionRepoPush:
		return w.git(ctx, "push", action.Payload.Target)
	case types.ActionRepoMerge:
		return w.git(ctx, "merge", "--no-ff", action.Payload.Target)
	case types.ActionSecretAccess:
		// The handle is resolved by the operator's secret store; the engine
		// only confirms the grant and never sees the material.
		return fmt.Sprintf("access granted for handle %s", action.Payload.CredentialHandle), nil
	}
	return "", fmt.Errorf("%q: %w", action.Kind, types.ErrUnknownAction)
}

func (w *workspaceExecutor) writeFile(p types.ActionPayload) (string, error) {
	path, err := w.resolve(p.Path, p.InsideSandbox)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(p.Diff), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Diff), path), nil
}

// stageDiff saves the proposed patch for the operator to apply with git;
// the engine never rewrites tracked files in place.
func (w *workspaceExecutor) stageDiff(action types.ProposedAction) (string, error) {
	dir := filepath.Join(w.root, ".inkforge", "patches")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, action.ID+".patch")
	if err := os.WriteFile(path, []byte(action.Payload.Diff), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("patch staged at %s (apply with: git apply %s)", path, path), nil
}

func (w *workspaceExecutor) git(ctx context.Context, args ...string) (string, error) {
	clean := args[:0]
	for _, a := range args {
		if a != "" {
			clean = append(clean, a)
		}
	}
	cmd := exec.CommandContext(ctx, "git", clean...)
	cmd.Dir = w.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(clean, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// resolve maps an action path into the workspace, confining sandboxed writes
// to .inkforge/sandbox and rejecting escapes.
func (w *workspaceExecutor) resolve(rel string, sandboxed bool) (string, error) {
	base := w.root
	if sandboxed {
		base = filepath.Join(w.root, ".inkforge", "sandbox")
	}
	path := filepath.Join(base, rel)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if absPath != absBase && !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return absPath, nil
}
