package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedPipeline(q *Queue) (*Pipeline, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, slog.LevelDebug)
	return NewPipeline(NewDecoder("", true), q, &Stats{}, logger), &buf
}

func TestPipeline_SubmitQueues(t *testing.T) {
	q := NewQueue(0, "")
	p, _ := newBufferedPipeline(q)

	d, err := p.Submit(context.Background(), Message{"/cut", []any{int32(3)}}, sourceOSC)
	require.NoError(t, err)
	assert.Equal(t, CmdCutToInput{Input: "3"}, d.Command)
	assert.Equal(t, sourceOSC, d.Source)
	assert.NotEqual(t, [16]byte{}, [16]byte(d.ID))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(1), p.stats.Queued.Load())
}

func TestPipeline_RejectionLogging(t *testing.T) {
	q := NewQueue(0, "")
	p, buf := newBufferedPipeline(q)
	ctx := context.Background()

	_, err := p.Submit(ctx, Message{"/foo", []any{int32(1)}}, sourceOSC)
	var unknown *UnknownAddressError
	require.ErrorAs(t, err, &unknown)

	_, err = p.Submit(ctx, Message{"/quickplay", []any{int32(1)}}, sourceOSC)
	var arity *ArityError
	require.ErrorAs(t, err, &arity)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[0], "address=/foo")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "address=/quickplay")
	assert.Contains(t, lines[1], "expected=0")
	assert.Contains(t, lines[1], "got=1")

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(2), p.stats.Rejected.Load())
}

func TestPipeline_OverflowReportsDrops(t *testing.T) {
	var dropped []Outcome

	q := NewQueue(1, OverflowDropNewest)
	p, _ := newBufferedPipeline(q)
	p.onDrop = func(o Outcome) { dropped = append(dropped, o) }
	ctx := context.Background()

	_, err := p.Submit(ctx, Message{"/ftb", nil}, sourceOSC)
	require.NoError(t, err)
	_, err = p.Submit(ctx, Message{"/quickplay", nil}, sourceOSC)
	assert.True(t, errors.Is(err, ErrQueueFull))

	require.Len(t, dropped, 1)
	assert.Equal(t, OutcomeDropped, dropped[0].Kind)
	assert.Equal(t, CmdQuickPlay{}, dropped[0].Delivery.Command)
	assert.Equal(t, uint64(1), p.stats.Dropped.Load())
}

func TestPipeline_DropOldestReportsEvicted(t *testing.T) {
	var dropped []Outcome

	q := NewQueue(1, OverflowDropOldest)
	p, _ := newBufferedPipeline(q)
	p.onDrop = func(o Outcome) { dropped = append(dropped, o) }
	ctx := context.Background()

	_, err := p.Submit(ctx, Message{"/ftb", nil}, sourceOSC)
	require.NoError(t, err)
	_, err = p.Submit(ctx, Message{"/quickplay", nil}, sourceOSC)
	require.NoError(t, err)

	require.Len(t, dropped, 1)
	assert.Equal(t, CmdFadeToBlack{}, dropped[0].Delivery.Command)
	assert.Equal(t, 1, q.Len())
}
