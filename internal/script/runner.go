// Package script runs Lua scripts against a coprocessor.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"znp-host/internal/znp"
)

// Coprocessor is the subset of *znp.Processor exposed to scripts.
type Coprocessor interface {
	Ping(ctx context.Context) (znp.Capabilities, error)
	Version(ctx context.Context, forceReload bool) (znp.Version, error)
	ItemLength(ctx context.Context, id znp.ItemID) (uint16, error)
	ReadItem(ctx context.Context, id znp.ItemID) ([]byte, error)
	WriteItem(ctx context.Context, id znp.ItemID, data []byte, autoInit bool) error
	DeleteItem(ctx context.Context, id znp.ItemID) (znp.NvDeleteStatus, error)
	DeviceInfo(ctx context.Context) (znp.DeviceInfo, error)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Runner executes scripts in a fresh sandboxed VM each time.
type Runner struct {
	proc    Coprocessor
	logger  *slog.Logger
	timeout time.Duration
}

// NewRunner returns a runner whose scripts time out after timeout.
func NewRunner(proc Coprocessor, logger *slog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{proc: proc, logger: logger.With("component", "script"), timeout: timeout}
}

// RunFile reads and runs a Lua file.
func (r *Runner) RunFile(ctx context.Context, path string) *RunResult {
	code, err := os.ReadFile(path)
	if err != nil {
		return &RunResult{OK: false, Error: fmt.Sprintf("read script: %v", err), Duration: "0s"}
	}
	return r.Run(ctx, string(code))
}

// Run executes code and captures znp.log output.
func (r *Runner) Run(ctx context.Context, code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	capture := func(level, msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
		r.logf(level, msg)
	}
	registerZNPModule(L, r.proc, capture)

	result := &RunResult{OK: true}
	if err := L.DoString(code); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	logMu.Lock()
	result.Logs = logs
	logMu.Unlock()
	result.Duration = time.Since(start).String()
	return result
}

func (r *Runner) logf(level, msg string) {
	switch level {
	case "debug":
		r.logger.Debug("script log", "msg", msg)
	case "warn":
		r.logger.Warn("script log", "msg", msg)
	case "error":
		r.logger.Error("script log", "msg", msg)
	default:
		r.logger.Info("script log", "msg", msg)
	}
}
