package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"genmedia-backend/internal/models"
)

// InferenceResult is the final payload reported by a worker process
type InferenceResult struct {
	FilePath  string `json:"file_path"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Seed      int64  `json:"seed"`
}

// workerRequest is written to the worker process's stdin
type workerRequest struct {
	TaskID    string          `json:"task_id"`
	Type      models.TaskType `json:"type"`
	Params    json.RawMessage `json:"params"`
	OutputDir string          `json:"output_dir"`
}

// workerLine is one stdout line from the worker. The wire contract is
// line-oriented JSON: {"progress": 0.42} while running, then exactly one of
// {"result": {...}} or {"error": {"code": ..., "message": ...}}.
type workerLine struct {
	Progress *float64         `json:"progress"`
	Result   *InferenceResult `json:"result"`
	Error    *InferenceError  `json:"error"`
}

// InferenceRunner executes one task's inference unit of work. Execute blocks
// until the work finishes, fails, or ctx is cancelled; each call runs in a
// context that is fully torn down afterwards.
type InferenceRunner interface {
	Execute(ctx context.Context, task *models.Task, gpuIndex int, progress func(float64)) (*InferenceResult, error)
	// Probe verifies the execution environment for a GPU is usable.
	Probe(ctx context.Context, gpuIndex int) error
}

// ProcessRunner runs inference in a dedicated OS process per task, pinned to
// one GPU via CUDA_VISIBLE_DEVICES. Process exit (including OOM kills)
// reclaims all GPU memory without cooperation from the inference code.
type ProcessRunner struct {
	command      []string
	probeCommand []string
	workDir      string
	probeTimeout time.Duration
}

// NewProcessRunner creates a process-isolated inference runner
func NewProcessRunner(command, probeCommand []string, workDir string, probeTimeout time.Duration) *ProcessRunner {
	if len(probeCommand) == 0 && len(command) > 0 {
		probeCommand = append(append([]string{}, command...), "--probe")
	}
	return &ProcessRunner{
		command:      command,
		probeCommand: probeCommand,
		workDir:      workDir,
		probeTimeout: probeTimeout,
	}
}

func gpuEnv(gpuIndex int) []string {
	return append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strconv.Itoa(gpuIndex))
}

// Execute spawns the worker process and shepherds it to completion
func (r *ProcessRunner) Execute(ctx context.Context, task *models.Task, gpuIndex int, progress func(float64)) (*InferenceResult, error) {
	outputDir := filepath.Join(r.workDir, task.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output dir: %v", ErrWorkerCrashed, err)
	}

	req := workerRequest{
		TaskID:    task.ID,
		Type:      task.Type,
		Params:    json.RawMessage(task.Params),
		OutputDir: outputDir,
	}
	reqData, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal worker request: %v", ErrWorkerCrashed, err)
	}

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Env = gpuEnv(gpuIndex)
	cmd.Stdin = bytes.NewReader(reqData)
	// Own process group so cancellation kills the worker and any children
	// (data loaders, codec subprocesses) in one signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerCrashed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start worker process: %v", ErrWorkerCrashed, err)
	}

	log.Printf("🚀 [ProcessRunner] Worker started: task=%s gpu=%d pid=%d", task.ID, gpuIndex, cmd.Process.Pid)

	var (
		mu       sync.Mutex
		result   *InferenceResult
		inferErr *InferenceError
		scanDone = make(chan struct{})
	)

	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var msg workerLine
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			switch {
			case msg.Progress != nil:
				if progress != nil {
					progress(*msg.Progress)
				}
			case msg.Result != nil:
				mu.Lock()
				result = msg.Result
				mu.Unlock()
			case msg.Error != nil:
				mu.Lock()
				inferErr = msg.Error
				mu.Unlock()
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		<-scanDone
		waitDone <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		// Kill the whole process group; teardown must not depend on the
		// worker handling signals gracefully.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitDone
		os.RemoveAll(outputDir)
		return nil, ctx.Err()

	case waitErr := <-waitDone:
		mu.Lock()
		defer mu.Unlock()

		if waitErr == nil && result != nil {
			return result, nil
		}
		if inferErr != nil {
			// Worker reported a structured error before exiting.
			os.RemoveAll(outputDir)
			return nil, inferErr
		}
		os.RemoveAll(outputDir)

		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return nil, fmt.Errorf("%w: killed by signal %s (likely out of GPU memory): %s",
					ErrWorkerCrashed, status.Signal(), detail)
			}
		}
		if waitErr != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrWorkerCrashed, waitErr, detail)
		}
		return nil, fmt.Errorf("%w: worker exited without reporting a result: %s", ErrWorkerCrashed, detail)
	}
}

// Probe runs the worker health command pinned to the slot's GPU
func (r *ProcessRunner) Probe(ctx context.Context, gpuIndex int) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, r.probeCommand[0], r.probeCommand[1:]...)
	cmd.Env = gpuEnv(gpuIndex)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gpu %d probe failed: %w: %s", gpuIndex, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
