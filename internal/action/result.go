// Package action defines the result contract every ghs action returns
// (spec §6): a success/message pair plus timing stats, serialized to the
// `<outputFile>` JSON the external scheduler reads back.
package action

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of running one action. A failed filesystem
// operation or a skip-because-locked condition are both represented here,
// never as a panic or a non-zero process exit by themselves (spec §7).
type Result struct {
	Successful bool    `json:"successful"`
	Message    *string `json:"message,omitempty"`
}

// Stats carries the timing information the result JSON reports alongside
// the action outcome.
type Stats struct {
	CPUTimeNs  int64 `json:"cpuTimeNs"`
	WallTimeMs int64 `json:"wallTimeMs"`
}

// Execution is the full `{"action":...,"stats":...}` document written to
// <outputFile>.
type Execution struct {
	Action Result `json:"action"`
	Stats  Stats  `json:"stats"`
}

// Ok returns a successful result, optionally with an explanatory message
// (used for the "skipped"/"already ongoing" outcomes spec §7 calls out).
func Ok(message string) Result {
	r := Result{Successful: true}
	if message != "" {
		r.Message = &message
	}
	return r
}

// Failed returns a failed result carrying msg, built from a wrapped error
// via Failedf for the common case.
func Failed(message string) Result {
	return Result{Successful: false, Message: &message}
}

// Failedf formats err into a failed Result, matching the "surfaced
// verbatim in the result message" policy from spec §7.
func Failedf(format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Successful: false, Message: &msg}
}

// DefaultOutputPath is /tmp/ghs-action-execution-<pid>.json, the default
// <outputFile> spec §6 specifies when the CLI is not given one.
func DefaultOutputPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("ghs-action-execution-%d.json", pid))
}

// Write serializes exec as the result JSON to path, creating it if
// necessary. This is the program's sole externally observable side effect
// besides the repository's own filesystem mutations, and the external
// scheduler reads it back the moment the process exits, so it is published
// with the same temp-file-then-rename discipline packlog.Rewrite uses: a
// scheduler polling path never observes a truncated or partially-written
// document, only the previous one or the complete new one.
func Write(path string, exec Execution) error {
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s-%s.tmp", filepath.Base(path), uuid.NewString()))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create temp result file %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()          //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("write temp result file %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()          //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("fsync temp result file %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("close temp result file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("publish result file %s: %w", path, err)
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}
	return nil
}

// Time wraps fn, measuring wall-clock duration and returning Stats ready
// to embed in an Execution. CPU time is process-wide and approximated
// from wall time since this core is single-threaded per spec §5 — there
// is no separate goroutine scheduling to account for.
func Time(fn func() Result) Execution {
	start := time.Now()
	result := fn()
	wall := time.Since(start)
	return Execution{
		Action: result,
		Stats: Stats{
			CPUTimeNs:  wall.Nanoseconds(),
			WallTimeMs: wall.Milliseconds(),
		},
	}
}
