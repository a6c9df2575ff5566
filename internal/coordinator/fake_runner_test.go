package coordinator

import (
	"context"
	"sync"

	"github.com/roach88/tabkiosk/internal/syncer"
)

type outcome struct {
	res   syncer.Result
	err   error
	panic any
}

// fakeRunner replays scripted outcomes; once the script runs out it reports
// an empty outbox.
type fakeRunner struct {
	mu      sync.Mutex
	script  []outcome
	calls   int
	limits  []int
	gate    chan struct{}
	entered chan struct{}
}

func newFakeRunner(script ...outcome) *fakeRunner {
	return &fakeRunner{script: script, entered: make(chan struct{}, 16)}
}

// hold makes RunOnce block until release is called.
func (f *fakeRunner) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeRunner) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *fakeRunner) RunOnce(_ context.Context, limit int) (syncer.Result, error) {
	f.mu.Lock()
	f.calls++
	f.limits = append(f.limits, limit)
	gate := f.gate
	var o outcome
	if len(f.script) > 0 {
		o = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	select {
	case f.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	if o.panic != nil {
		panic(o.panic)
	}
	return o.res, o.err
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
