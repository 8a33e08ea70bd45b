package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalRuntimeLifecycle(t *testing.T) {
	rt := NewLocalRuntime(LocalRuntimeConfig{
		RootDir: t.TempDir(),
		Command: []string{"sh", "-c", "echo built $FORGE_TASK_ID > output.txt"},
	})
	ctx := context.Background()

	main, err := rt.CreateSandbox(ctx, CreateConfig{SandboxID: "b1-main", Intent: "todo app", IsMain: true})
	if err != nil {
		t.Fatalf("CreateSandbox(main): %v", err)
	}
	build, err := rt.CreateSandbox(ctx, CreateConfig{SandboxID: "b1-build-0", Intent: "todo app"})
	if err != nil {
		t.Fatalf("CreateSandbox(build): %v", err)
	}

	res, err := rt.ExecuteTask(ctx, build.ID, TaskPayload{TaskID: "t1", Name: "feature", Files: []string{"output.txt"}})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if !res.Success {
		t.Fatalf("ExecuteTask failed: %s", res.Error)
	}
	if res.ArtifactRef == "" {
		t.Error("ExecuteTask returned empty artifact ref")
	}

	if err := rt.MergeInto(ctx, main.ID, build.ID, []string{"output.txt"}); err != nil {
		t.Fatalf("MergeInto: %v", err)
	}

	mainDir, _ := rt.dir(main.ID)
	data, err := os.ReadFile(filepath.Join(mainDir, "output.txt"))
	if err != nil {
		t.Fatalf("merged file missing: %v", err)
	}
	if string(data) != "built t1\n" {
		t.Errorf("merged content = %q", string(data))
	}

	if err := rt.Terminate(ctx, build.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := rt.dir(build.ID); err == nil {
		t.Error("terminated sandbox still resolvable")
	}
}

func TestLocalRuntimeTaskFailureIsOpaque(t *testing.T) {
	rt := NewLocalRuntime(LocalRuntimeConfig{
		RootDir: t.TempDir(),
		Command: []string{"sh", "-c", "echo boom >&2; exit 1"},
	})
	ctx := context.Background()

	sb, err := rt.CreateSandbox(ctx, CreateConfig{SandboxID: "b1-build-0"})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	res, err := rt.ExecuteTask(ctx, sb.ID, TaskPayload{TaskID: "t1"})
	if err != nil {
		t.Fatalf("ExecuteTask returned transport error: %v", err)
	}
	if res.Success {
		t.Fatal("ExecuteTask reported success for failing command")
	}
	if res.Error == "" {
		t.Error("failure carries no opaque error string")
	}
}

func TestLocalRuntimeUnknownSandbox(t *testing.T) {
	rt := NewLocalRuntime(LocalRuntimeConfig{RootDir: t.TempDir(), Command: []string{"true"}})

	if _, err := rt.ExecuteTask(context.Background(), "ghost", TaskPayload{}); err == nil {
		t.Error("ExecuteTask on unknown sandbox succeeded")
	}
	if err := rt.Terminate(context.Background(), "ghost"); err == nil {
		t.Error("Terminate on unknown sandbox succeeded")
	}
}
