// Command forge runs a build from a plan file: it partitions the plan, fans
// the tasks out over local sandboxes, and shows a live monitor while the
// orchestration runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kriptik-ai/forge/internal/config"
	"github.com/kriptik-ai/forge/internal/events"
	"github.com/kriptik-ai/forge/internal/orchestrator"
	"github.com/kriptik-ai/forge/internal/sandbox"
	"github.com/kriptik-ai/forge/internal/scheduler"
	"github.com/kriptik-ai/forge/internal/sharedctx"
	"github.com/kriptik-ai/forge/internal/tui"
)

func main() {
	planPath := flag.String("plan", "", "path to the plan JSON file")
	intent := flag.String("intent", "", "what the build should produce")
	taskCmd := flag.String("task-cmd", "", "shell command run per task in each sandbox")
	noTUI := flag.Bool("no-tui", false, "run without the live monitor")
	flag.Parse()

	if *planPath == "" || *intent == "" {
		fmt.Fprintln(os.Stderr, "usage: forge -plan plan.json -intent \"build a todo app\" [-task-cmd cmd] [-no-tui]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan, err := loadPlan(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading plan: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
		os.Exit(1)
	}
	store, err := sharedctx.NewSQLiteStore(ctx, filepath.Join(homeDir, ".forge", "forge.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening context store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var command []string
	if *taskCmd != "" {
		command = []string{"sh", "-c", *taskCmd}
	}
	runtime := sandbox.NewLocalRuntime(sandbox.LocalRuntimeConfig{Command: command})

	bus := events.NewEventBus()
	defer bus.Close()

	orch := orchestrator.New(cfg, store, runtime, passVerifier{}, localDeployer{}, bus)

	resultChan := make(chan *orchestrator.Result, 1)
	go func() {
		result, err := orch.Orchestrate(ctx, *intent, plan, nil)
		if err != nil {
			log.Printf("orchestration rejected: %v", err)
			resultChan <- &orchestrator.Result{Success: false, Errors: []string{err.Error()}}
			return
		}
		resultChan <- result
	}()

	if *noTUI {
		waitHeadless(ctx, orch, resultChan)
		return
	}

	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	var result *orchestrator.Result
	select {
	case result = <-resultChan:
		// Give the monitor a moment to render the final events, then quit it.
		time.Sleep(500 * time.Millisecond)
		p.Quit()
		if err := <-errChan; err != nil {
			log.Printf("monitor exit error: %v", err)
		}
	case err := <-errChan:
		// User quit the monitor; stop the build and wait for cleanup.
		if err != nil {
			log.Printf("monitor error: %v", err)
		}
		orch.Cancel()
		result = <-resultChan
	case <-ctx.Done():
		stop()
		log.Println("Shutdown signal received, cleaning up...")
		orch.Cancel()
		p.Quit()
		select {
		case result = <-resultChan:
		case <-time.After(10 * time.Second):
			log.Println("Shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}

	printResult(result)
	if !result.Success {
		os.Exit(1)
	}
}

func waitHeadless(ctx context.Context, orch *orchestrator.Orchestrator, resultChan <-chan *orchestrator.Result) {
	var result *orchestrator.Result
	select {
	case result = <-resultChan:
	case <-ctx.Done():
		orch.Cancel()
		result = <-resultChan
	}
	printResult(result)
	if !result.Success {
		os.Exit(1)
	}
}

func loadPlan(path string) (*scheduler.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var plan scheduler.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &plan, nil
}

func printResult(result *orchestrator.Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Printf("marshaling result: %v", err)
		return
	}
	fmt.Println(string(data))
	if len(result.Errors) > 0 {
		fmt.Fprintln(os.Stderr, "Errors:")
		fmt.Fprintln(os.Stderr, "  "+strings.Join(result.Errors, "\n  "))
	}
}

// passVerifier is the development verifier: local sandboxes have no scoring
// swarm behind them, so every artifact passes with a full score.
type passVerifier struct{}

func (passVerifier) Verify(ctx context.Context, artifactRef string) (sandbox.Verification, error) {
	return sandbox.Verification{Score: 100, Passed: true}, nil
}

// localDeployer reports the main sandbox's own endpoint as the deployed URL.
type localDeployer struct{}

func (localDeployer) Deploy(ctx context.Context, sandboxURL, environment string) (string, error) {
	return sandboxURL, nil
}
