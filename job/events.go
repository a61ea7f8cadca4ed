package job

import "fmt"

// Stage names one step of a job's lifecycle. A job emits start, zero or
// more progress updates, and exactly one terminal stage.
type Stage string

const (
	StageStart      Stage = "start"
	StageProgress   Stage = "progress"
	StageCancelling Stage = "cancelling"
	StageDone       Stage = "done"
	StageError      Stage = "error"
	StageCancelled  Stage = "cancelled"
)

func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageError, StageCancelled:
		return true
	case StageStart, StageProgress, StageCancelling:
		return false
	default:
		return false
	}
}

// Status is one progress report. Message is always human-readable; raw
// errors never reach the UI through it.
type Status struct {
	Stage     Stage
	Total     int
	Completed int
	Message   string
}

// Reporter receives status updates. Report must not block for long; it is
// called from the job loop.
type Reporter interface {
	Report(status Status)
}

type ReporterFunc func(status Status)

func (f ReporterFunc) Report(status Status) { f(status) }

// fallbackMessage fills Message when a stage has no bespoke text.
func fallbackMessage(stage Stage, total, completed int) string {
	switch stage {
	case StageStart:
		return fmt.Sprintf("Preparing %d Plaud recording(s)…", total)
	case StageDone:
		return "All Plaud recordings downloaded."
	case StageError:
		return fmt.Sprintf("Download stopped after %d/%d recording(s).", completed, total)
	case StageCancelling:
		return "Stopping Plaud downloads…"
	case StageCancelled:
		return fmt.Sprintf("Cancelled after %d/%d recording(s).", completed, total)
	case StageProgress:
		return fmt.Sprintf("Downloaded %d/%d recording(s)…", completed, total)
	default:
		return fmt.Sprintf("Downloaded %d/%d recording(s)…", completed, total)
	}
}
