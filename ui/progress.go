package ui

import (
	"fmt"
	"sync"

	"github.com/pterm/pterm"

	"fileserver/network"
)

// progressSteps is the resolution of the terminal progress bar.
const progressSteps = 1000

// Progress renders transfer progress as a pterm progress bar, one bar per
// file. It satisfies network.ProgressSink.
type Progress struct {
	mu    sync.Mutex
	bar   *pterm.ProgressbarPrinter
	label string
}

// NewProgress returns an idle progress renderer.
func NewProgress() *Progress {
	return &Progress{}
}

// Report advances the bar for update.Label, starting a new bar when the
// label changes.
func (p *Progress) Report(update network.ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || p.label != update.Label {
		p.stopLocked()
		bar, err := pterm.DefaultProgressbar.
			WithTotal(progressSteps).
			WithTitle(update.Label).
			WithShowCount(false).
			Start()
		if err != nil {
			LogDebug("progress bar unavailable: %v", err)
			return
		}
		p.bar = bar
		p.label = update.Label
	}

	if step := progressStep(update.Done, update.Total) - p.bar.Current; step > 0 {
		p.bar.Add(step)
	}
	p.bar.UpdateTitle(progressTitle(update))

	if update.Finished {
		p.stopLocked()
		LogInfo("%s: %s in %s (%s)", update.Label, FormatSize(update.Transferred), FormatDuration(update.Elapsed), FormatSpeed(update.Speed))
	}
}

// Stop removes any bar left behind by an aborted transfer.
func (p *Progress) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Progress) stopLocked() {
	if p.bar != nil {
		_, _ = p.bar.Stop()
	}
	p.bar = nil
	p.label = ""
}

func progressStep(done, total uint64) int {
	if total == 0 || done >= total {
		return progressSteps
	}
	return int(float64(done) / float64(total) * progressSteps)
}

func progressTitle(update network.ProgressUpdate) string {
	return fmt.Sprintf("%s %s/%s %s ETA %s",
		update.Label,
		FormatSize(update.Done),
		FormatSize(update.Total),
		FormatSpeed(update.Speed),
		FormatDuration(update.ETA),
	)
}
