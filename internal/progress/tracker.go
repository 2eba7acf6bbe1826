package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/johndauphine/mention-anonymizer/internal/action"
	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/chunk"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// Tracker draws a request progress bar and counts rewritten rows.
type Tracker struct {
	action.NopObserver

	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	out       io.Writer
	rows      int
	chunks    int
	startTime time.Time
}

// New creates a tracker writing to stderr.
func New() *Tracker {
	return &Tracker{out: os.Stderr, startTime: time.Now()}
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Start sizes the bar from the persisted state. done requests are
// already finished from earlier slices.
func (t *Tracker) Start(state *checkpoint.ActionState) {
	sum := state.Summarize()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bar = progressbar.NewOptions(
		sum.Total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Anonymizing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetItsString("requests"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	if done := sum.Completed + sum.Skipped; done > 0 {
		t.bar.Add(done)
	}
}

func (t *Tracker) OnChunk(req plan.Request, res chunk.Result, chunkSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res.Status != chunk.Ok {
		return
	}
	t.rows += res.Rows
	t.chunks++
	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("%s (offset %d, chunk %d)", req.Name, res.Cursor, chunkSize))
	}
}

func (t *Tracker) OnRequestDone(plan.Request, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		t.bar.Add(1)
	}
}

// Rows returns the number of rows rewritten so far.
func (t *Tracker) Rows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// Finish closes the bar and logs throughput.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(t.out)
	}

	elapsed := time.Since(t.startTime)
	logging.Info("Slice finished: %d rows in %d chunks (%s, %.0f rows/sec)",
		t.rows, t.chunks, elapsed.Round(time.Second), float64(t.rows)/elapsed.Seconds())
}
