package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// LocalRuntimeConfig configures the exec-based local runtime.
type LocalRuntimeConfig struct {
	RootDir string   // Directory under which per-sandbox workspaces live
	Command []string // Command run per task (e.g. ["sh", "-c", "make build"])
}

// LocalRuntime is a Runtime that runs tasks as subprocesses inside
// per-sandbox working directories. It exists so the orchestrator is drivable
// end-to-end on a developer machine without a cloud sandbox provider.
type LocalRuntime struct {
	config  LocalRuntimeConfig
	mergeMu sync.Mutex // Serializes merges into the main workspace

	mu   sync.Mutex
	dirs map[string]string // sandboxID -> workspace path
}

// NewLocalRuntime creates a local runtime rooted at cfg.RootDir.
func NewLocalRuntime(cfg LocalRuntimeConfig) *LocalRuntime {
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(os.TempDir(), "forge-sandboxes")
	}
	return &LocalRuntime{
		config: cfg,
		dirs:   make(map[string]string),
	}
}

// CreateSandbox creates a workspace directory for the sandbox.
func (r *LocalRuntime) CreateSandbox(ctx context.Context, cfg CreateConfig) (Created, error) {
	dir := filepath.Join(r.config.RootDir, cfg.SandboxID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Created{}, fmt.Errorf("creating sandbox workspace: %w", err)
	}

	// Record the intent so tools running inside the workspace can read it.
	intentPath := filepath.Join(dir, ".intent")
	if err := os.WriteFile(intentPath, []byte(cfg.Intent), 0644); err != nil {
		return Created{}, fmt.Errorf("writing intent file: %w", err)
	}

	r.mu.Lock()
	r.dirs[cfg.SandboxID] = dir
	r.mu.Unlock()

	return Created{
		ID:          cfg.SandboxID,
		EndpointURL: "file://" + dir,
	}, nil
}

// ExecuteTask runs the configured command in the sandbox workspace with the
// task exposed through FORGE_* environment variables.
func (r *LocalRuntime) ExecuteTask(ctx context.Context, sandboxID string, payload TaskPayload) (ExecResult, error) {
	dir, err := r.dir(sandboxID)
	if err != nil {
		return ExecResult{}, err
	}
	if len(r.config.Command) == 0 {
		return ExecResult{}, fmt.Errorf("local runtime has no task command configured")
	}

	cmd := exec.CommandContext(ctx, r.config.Command[0], r.config.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"FORGE_TASK_ID="+payload.TaskID,
		"FORGE_TASK_NAME="+payload.Name,
		"FORGE_TASK_FILES="+strings.Join(payload.Files, ","),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return ExecResult{
			Success: false,
			Error:   fmt.Sprintf("task command failed: %v (output: %s)", err, string(output)),
		}, nil
	}

	return ExecResult{
		Success:     true,
		ArtifactRef: sandboxID + "/" + payload.TaskID,
	}, nil
}

// MergeInto copies the listed files from a build workspace into the main
// workspace. Merges are serialized so concurrent queue processing cannot
// interleave partial copies.
func (r *LocalRuntime) MergeInto(ctx context.Context, mainID, fromID string, files []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mainDir, err := r.dir(mainID)
	if err != nil {
		return err
	}
	fromDir, err := r.dir(fromID)
	if err != nil {
		return err
	}

	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	for _, rel := range files {
		src := filepath.Join(fromDir, rel)
		dst := filepath.Join(mainDir, rel)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("merging %q from %q: %w", rel, fromID, err)
		}
	}
	return nil
}

// Terminate removes the sandbox workspace.
func (r *LocalRuntime) Terminate(ctx context.Context, sandboxID string) error {
	dir, err := r.dir(sandboxID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.dirs, sandboxID)
	r.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing sandbox workspace: %w", err)
	}
	return nil
}

func (r *LocalRuntime) dir(sandboxID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, ok := r.dirs[sandboxID]
	if !ok {
		return "", fmt.Errorf("unknown sandbox %q", sandboxID)
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
