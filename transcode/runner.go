// clipforge/transcode/runner.go
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"clipforge/config"
)

// Kind is the closed enumeration of transcode failure causes.
type Kind int

const (
	KindProcessFailed Kind = iota
	KindMissingOutput
	KindResources
	KindInvalidSpan
)

// maxDiagnostic caps the process output carried in an error so a runaway
// encoder log cannot flood the caller.
const maxDiagnostic = 1000

type Error struct {
	Kind   Kind
	msg    string
	Output string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the failure kind, or KindProcessFailed for foreign errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindProcessFailed
}

func truncateDiagnostic(s string) string {
	if len(s) > maxDiagnostic {
		return s[:maxDiagnostic-3] + "..."
	}
	return s
}

// Execer runs an external binary and returns its combined output. The
// transcoder depends on this interface so tests can substitute a fake.
type Execer interface {
	Run(ctx context.Context, bin string, args ...string) (string, error)
}

type processExecer struct{}

// NewProcessExecer returns the Execer backed by real processes.
func NewProcessExecer() Execer { return processExecer{} }

func (processExecer) Run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf
	err := cmd.Run()
	return outputBuf.String(), err
}

// checkResources verifies that the system has enough free resources to
// start a new encode.
func checkResources(cfg *config.Config, workDir string) error {
	p, err := cpu.Percent(time.Second, false)
	if err == nil && len(p) > 0 && p[0] > (100.0-cfg.ThrottleCPU) {
		return &Error{Kind: KindResources, msg: fmt.Sprintf(
			"not enough idle CPU: current usage %.2f%%, idle threshold %.2f%%", p[0], cfg.ThrottleCPU)}
	}

	vm, err := mem.VirtualMemory()
	if err == nil && vm.Available < uint64(cfg.ThrottleFreeMem) {
		return &Error{Kind: KindResources, msg: fmt.Sprintf(
			"not enough free memory: available %d, required %d", vm.Available, cfg.ThrottleFreeMem)}
	}

	d, err := disk.Usage(workDir)
	if err == nil && d.Free < uint64(cfg.ThrottleFreeDisk) {
		return &Error{Kind: KindResources, msg: fmt.Sprintf(
			"not enough free disk space: available %d, required %d", d.Free, cfg.ThrottleFreeDisk)}
	}
	return nil
}
