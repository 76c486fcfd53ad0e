package process

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessContext is the shared shutdown coordination point for the pod.
// Long-lived components register with ComponentStarted and signal
// ComponentFinished when their goroutines have fully stopped; the main
// process waits for all of them (up to a deadline) during drain.
type ProcessContext struct {
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

// Context returns the process lifetime context. It is cancelled exactly
// once, when shutdown begins.
func (b *ProcessContext) Context() context.Context {
	return b.ctx
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownCollabPod begins shutdown by cancelling the process context.
func (b *ProcessContext) ShutdownCollabPod() {
	b.shutdown()
}

// WaitForShutdown blocks until shutdown has been requested.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish waits for all registered components, giving up
// after the supplied timeout so a stuck component cannot wedge drain.
func (b *ProcessContext) WaitForComponentsToFinish(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logrus.Warn("Process shutdown timed out waiting for components to finish")
		return false
	}
}
