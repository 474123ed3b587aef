package overlay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
)

func TestDecodePatchValidSlots(t *testing.T) {
	for _, slot := range models.SlotNames {
		p, err := DecodePatch(string(slot), json.RawMessage(`{"visible":true}`))
		require.NoError(t, err, "slot %s", slot)
		assert.NotEqual(t, Patch{}, p, "slot %s should produce a non-empty patch", slot)
	}
}

func TestDecodePatchUnknownSlot(t *testing.T) {
	_, err := DecodePatch("banner", json.RawMessage(`{"visible":true}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidSlot))
}

func TestDecodePatchMalformedPayload(t *testing.T) {
	_, err := DecodePatch(string(models.SlotLowerThirds), json.RawMessage(`{"visible":`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidSlot))
}

func TestMergeReplacesSlotWholesale(t *testing.T) {
	state := models.OverlayState{
		LowerThirds: models.LowerThirdsSlot{Visible: true, Text: "Jane", Subtext: "CEO"},
	}
	p, err := DecodePatch(string(models.SlotLowerThirds), json.RawMessage(`{"visible":true,"text":"John"}`))
	require.NoError(t, err)

	next := Merge(state, p)
	assert.Equal(t, "John", next.LowerThirds.Text)
	// Whole-slot replacement: the old subtext does not survive a patch that
	// omits it.
	assert.Empty(t, next.LowerThirds.Subtext)
}

func TestMergeLeavesOtherSlotsUntouched(t *testing.T) {
	state := models.OverlayState{
		Countdown: models.CountdownSlot{Visible: true, Label: "starting soon"},
	}
	p, err := DecodePatch(string(models.SlotSmartCTA), json.RawMessage(`{"visible":true,"headline":"Buy now"}`))
	require.NoError(t, err)

	next := Merge(state, p)
	assert.Equal(t, state.Countdown, next.Countdown)
	assert.True(t, next.SmartCTA.Visible)
}

func TestMergeIsPure(t *testing.T) {
	state := models.OverlayState{}
	p, err := DecodePatch(string(models.SlotCelebration), json.RawMessage(`{"visible":true,"kind":"confetti"}`))
	require.NoError(t, err)

	_ = Merge(state, p)
	assert.False(t, state.Celebration.Visible, "input state must not be mutated")
}

func TestMergeSameInputTwiceIsIdempotent(t *testing.T) {
	p, err := DecodePatch(string(models.SlotSocialProof), json.RawMessage(`{"visible":true,"viewer_count":412}`))
	require.NoError(t, err)

	once := Merge(models.OverlayState{}, p)
	twice := Merge(once, p)
	assert.Equal(t, once, twice)
}

func TestMergeLastWriterWins(t *testing.T) {
	p1, err := DecodePatch(string(models.SlotLowerThirds), json.RawMessage(`{"visible":true,"text":"first"}`))
	require.NoError(t, err)
	p2, err := DecodePatch(string(models.SlotLowerThirds), json.RawMessage(`{"visible":true,"text":"second"}`))
	require.NoError(t, err)

	next := Merge(Merge(models.OverlayState{}, p1), p2)
	assert.Equal(t, "second", next.LowerThirds.Text)

	reversed := Merge(Merge(models.OverlayState{}, p2), p1)
	assert.Equal(t, "first", reversed.LowerThirds.Text)
}

func TestStartPollSupersedesActivePoll(t *testing.T) {
	state, first := StartPoll(models.OverlayState{}, "Q1?", []string{"a", "b"})
	require.True(t, state.Poll.Visible)

	state, second := StartPoll(state, "Q2?", []string{"x", "y", "z"})
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "Q2?", state.Poll.Question)
	assert.Len(t, state.Poll.Options, 3)
}

func TestEndPoll(t *testing.T) {
	state, poll := StartPoll(models.OverlayState{}, "Q?", []string{"yes", "no"})

	next, ended := EndPoll(state, poll.ID)
	require.True(t, ended)
	assert.False(t, next.Poll.Visible)

	// Ending an already ended or unknown poll is a no-op.
	_, ended = EndPoll(next, poll.ID)
	assert.False(t, ended)
	_, ended = EndPoll(state, uuid.New())
	assert.False(t, ended)
}

func TestStartPollCopiesOptions(t *testing.T) {
	options := []string{"a", "b"}
	state, _ := StartPoll(models.OverlayState{}, "Q?", options)
	options[0] = "mutated"
	assert.Equal(t, "a", state.Poll.Options[0])
}
