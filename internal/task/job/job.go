package job

import (
	"context"
	"sync"
	"sync/atomic"
)

// Base carries the bookkeeping every task needs: a name, a progress estimate
// and the disposal signal. Embed it by pointer-receiver types.
type Base struct {
	name     string
	progress atomic.Int32

	disposeOnce sync.Once
	disposing   chan struct{}
}

func NewBase(name string) *Base {
	b := &Base{name: name, disposing: make(chan struct{})}
	b.progress.Store(-1)
	return b
}

func (b *Base) Name() string { return b.name }

// Progress reports the last value passed to SetProgress. ok is false until then.
func (b *Base) Progress() (int, bool) {
	p := b.progress.Load()
	if p < 0 {
		return 0, false
	}
	return int(p), true
}

// SetProgress stores pct clamped to [0,100]. A negative pct marks progress unknown.
func (b *Base) SetProgress(pct int) {
	switch {
	case pct < 0:
		pct = -1
	case pct > 100:
		pct = 100
	}
	b.progress.Store(int32(pct))
}

func (b *Base) Disposing() <-chan struct{} { return b.disposing }

// Dispose retires the task permanently. It is safe to call more than once.
func (b *Base) Dispose() {
	b.disposeOnce.Do(func() { close(b.disposing) })
}

func (b *Base) Disposed() bool {
	select {
	case <-b.disposing:
		return true
	default:
		return false
	}
}

// Progress is handed to a FuncTask so it can report how far it got.
type Progress interface {
	SetProgress(pct int)
}

// FuncTask adapts a plain function to a task.
type FuncTask struct {
	*Base
	fn func(ctx context.Context, p Progress) error
}

func Func(name string, fn func(ctx context.Context, p Progress) error) *FuncTask {
	return &FuncTask{Base: NewBase(name), fn: fn}
}

func (t *FuncTask) Run(ctx context.Context) error {
	t.SetProgress(0)
	if t.fn == nil {
		t.SetProgress(100)
		return nil
	}
	err := t.fn(ctx, t.Base)
	if err == nil {
		t.SetProgress(100)
	}
	return err
}
