package routine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunRecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	ok := Run(zap.New(core), "boom", func() { panic("kaput") })

	assert.False(t, ok)
	entries := logs.FilterMessage("routine.panic").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "boom", entries[0].ContextMap()["routine"])
	}
}

func TestRunReturnsTrue(t *testing.T) {
	assert.True(t, Run(nil, "fine", func() {}))
}

func TestGroupWaits(t *testing.T) {
	g := NewGroup(nil)
	var n atomic.Int32
	for i := 0; i < 4; i++ {
		g.Go(context.Background(), "worker", func(context.Context) {
			n.Add(1)
		})
	}
	g.Go(context.Background(), "panicky", func(context.Context) { panic("x") })
	g.Wait()
	assert.EqualValues(t, 4, n.Load())
}
