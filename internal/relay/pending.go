package relay

import (
	"sync"
	"time"
)

// pendingUnary is resolved on a response/error frame.
type pendingUnary struct {
	workerAddress string
	resultCh      chan unaryResult
	timer         *time.Timer
	once          sync.Once
}

type unaryResult struct {
	content string
	err     error
}

func (p *pendingUnary) resolve(content string, err error) {
	p.once.Do(func() {
		p.timer.Stop()
		p.resultCh <- unaryResult{content: content, err: err}
		close(p.resultCh)
	})
}

// pendingStream emits on every chunk, finalizes on done, fails on error.
// ChunkCh is unbuffered-friendly (small buffer) so the worker's message
// loop never blocks waiting on a slow consumer for long.
type pendingStream struct {
	workerAddress string
	chunkCh       chan string
	doneCh        chan error // receives nil on clean completion, an error otherwise
	timer         *time.Timer
	inactivity    time.Duration
	mu            sync.Mutex
	closed        bool
}

func newPendingStream(workerAddress string, inactivity time.Duration) *pendingStream {
	return &pendingStream{
		workerAddress: workerAddress,
		chunkCh:       make(chan string, 16),
		doneCh:        make(chan error, 1),
		inactivity:    inactivity,
	}
}

func (p *pendingStream) emit(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.chunkCh <- content
	p.resetTimerLocked()
}

func (p *pendingStream) resetTimerLocked() {
	if p.timer != nil {
		p.timer.Reset(p.inactivity)
	}
}

func (p *pendingStream) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.chunkCh)
	p.doneCh <- err
	close(p.doneCh)
}
