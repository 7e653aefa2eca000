package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/stroop/internal/sequence"
	"github.com/antoniostano/stroop/internal/stimulus"
)

func startClassic(t *testing.T) (*harness, *Classic) {
	t.Helper()
	h, deps := newHarness(t)
	table, err := sequence.ClassicTable(3, 4, sequence.BlockSeed(1), deps.Stimuli.Words())
	require.NoError(t, err)
	handle, err := deps.Stimuli.ClassicTable(table)
	require.NoError(t, err)

	c, err := NewClassic(testConfig(), handle, deps)
	require.NoError(t, err)
	h.block = c
	c.Start()
	return h, c
}

func TestClassicFullRun(t *testing.T) {
	h, c := startClassic(t)
	assert.Equal(t, []string{"start_block"}, h.rec.Labels())
	assert.Equal(t, stimulus.KindClassicInstructions, h.display.last()[0].Kind)

	h.press(KeySpace)
	require.Equal(t, StateClassicTable, c.State())
	assert.Equal(t, stimulus.KindClassicTable, h.display.last()[0].Kind)

	h.advance(45 * time.Second)
	require.Equal(t, StateClassicTail, c.State())
	assert.Equal(t, stimulus.KindFixation, h.display.last()[0].Kind)
	assert.Equal(t, 0, h.display.closed)

	h.advance(2 * time.Second)
	require.True(t, c.Done())
	assert.Equal(t, []string{"start_block", "start_block_classic", "end_block"}, h.rec.Labels())
	assert.Equal(t, 1, h.display.closed)
	require.Len(t, h.results, 1)
	assert.False(t, h.results[0].Aborted)
}

func TestClassicAbortDuringTable(t *testing.T) {
	h, c := startClassic(t)
	h.press(KeySpace)
	h.advance(10 * time.Second)
	h.press(KeyEscape)

	require.True(t, c.Done())
	assert.Zero(t, h.loop.Scheduler().Pending())
	assert.Equal(t, []string{"start_block", "start_block_classic", "end_block"}, h.rec.Labels())
	assert.True(t, h.results[0].Aborted)
}

func TestClassicAbortDuringTailWritesEndOnce(t *testing.T) {
	h, c := startClassic(t)
	h.press(KeySpace)
	h.advance(45 * time.Second)
	h.press(KeyEscape)

	require.True(t, c.Done())
	assert.Equal(t, 1, countPrefix(h.rec.Labels(), "end_block"))
	assert.Equal(t, 1, h.display.closed)
}

func TestNewClassicRejectsMissingTable(t *testing.T) {
	_, deps := newHarness(t)
	_, err := NewClassic(testConfig(), deps.Stimuli.Fixation(), deps)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("NewClassic() error = %v, want ErrInvalidConfiguration", err)
	}
}
