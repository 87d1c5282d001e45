package app

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rbright/livecap/internal/fsm"
)

// consoleObserver prints status transitions and rewrites the live
// transcript line in place. Done() closes after the final callback.
type consoleObserver struct {
	stdout io.Writer
	stderr io.Writer

	mu         sync.Mutex
	transcript string
	lineOpen   bool
	err        error

	done     chan struct{}
	doneOnce sync.Once
}

func newConsoleObserver(stdout, stderr io.Writer) *consoleObserver {
	return &consoleObserver{stdout: stdout, stderr: stderr, done: make(chan struct{})}
}

func (o *consoleObserver) Done() <-chan struct{} { return o.done }

func (o *consoleObserver) Transcript() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transcript
}

func (o *consoleObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *consoleObserver) OnStatusChange(state fsm.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.breakLineLocked()
	fmt.Fprintf(o.stderr, "[%s]\n", state)
}

func (o *consoleObserver) OnTranscription(displayText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcript = displayText
	fmt.Fprintf(o.stdout, "\r\033[K%s", displayText)
	o.lineOpen = true
}

func (o *consoleObserver) OnError(err error) {
	o.mu.Lock()
	o.err = err
	o.breakLineLocked()
	fmt.Fprintf(o.stderr, "error: %v\n", err)
	o.mu.Unlock()
}

func (o *consoleObserver) OnComplete() {
	o.mu.Lock()
	o.breakLineLocked()
	if strings.TrimSpace(o.transcript) != "" {
		fmt.Fprintln(o.stdout, strings.TrimSpace(o.transcript))
	}
	o.mu.Unlock()
	o.doneOnce.Do(func() { close(o.done) })
}

// breakLineLocked terminates an in-place transcript line before other
// output. Caller holds mu.
func (o *consoleObserver) breakLineLocked() {
	if o.lineOpen {
		fmt.Fprintln(o.stdout)
		o.lineOpen = false
	}
}
