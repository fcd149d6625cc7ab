package tasks

import (
	"fmt"
	"time"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data
}

// Operation phase enumeration
type Phase int

const (
	LoadTracks Phase = iota
	WriteFiles
	WriteManifest
	RunJob
)

func (p Phase) String() string {
	switch p {
	case LoadTracks:
		return "load_tracks"
	case WriteFiles:
		return "write_files"
	case WriteManifest:
		return "write_manifest"
	case RunJob:
		return "run_job"
	default:
		return ""
	}
}

// sendProgress sends an update without blocking. A nil or full channel drops it.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func loadingUpdate(step, total int, identifier string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   LoadTracks,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Loading %s...", step, total, identifier),
	}
}

func loadCompletedUpdate(step, total int, res LoadJobResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   WriteFiles,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✓ %s (%s, %d tracks)", step, total, res.Identifier, res.LoadType, res.Tracks),
		Data:    res,
	}
}

func loadFailedUpdate(step, total int, identifier string, err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   WriteFiles,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, identifier, err),
	}
}

func manifestUpdate(path string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   WriteManifest,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Manifest written to %s", path),
	}
}

func jobUpdate(name string, took time.Duration, err error) ProgressUpdate {
	msg := fmt.Sprintf("%s finished in %s", name, took.Round(time.Millisecond))
	if err != nil {
		msg = fmt.Sprintf("%s failed: %v", name, err)
	}
	return ProgressUpdate{Phase: RunJob, Step: 1, Total: 1, Message: msg, Data: err}
}
