// Package routine runs background loops that survive panics.
package routine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Group tracks goroutines started with Go so shutdown can wait for them.
type Group struct {
	wg  sync.WaitGroup
	log *zap.Logger
}

func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{log: log}
}

// Go runs fn in a goroutine. A panic is logged and swallowed.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		Run(g.log, name, func() { fn(ctx) })
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Run calls fn and converts a panic into an error log entry. It reports
// whether fn returned normally.
func Run(log *zap.Logger, name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("routine.panic",
					zap.String("routine", name),
					zap.Error(fmt.Errorf("panic: %v", r)),
					zap.ByteString("stack", debug.Stack()),
				)
			}
			ok = false
		}
	}()
	fn()
	return true
}
