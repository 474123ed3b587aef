// Package overlay implements the state merge engine: slot-wise last-writer-wins
// merging of partial overlay updates into a complete canonical OverlayState.
package overlay

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/protocol"
)

// Patch carries at most one replacement value per slot. A nil field leaves the
// corresponding slot of the current state untouched; a set field replaces the
// slot wholesale. Callers changing one field of a slot must resend the slot's
// other fields unchanged.
type Patch struct {
	LowerThirds     *models.LowerThirdsSlot
	Countdown       *models.CountdownSlot
	RegistrationCTA *models.RegistrationCTASlot
	SocialProof     *models.SocialProofSlot
	Poll            *models.PollSlot
	SmartCTA        *models.SmartCTASlot
	Celebration     *models.CelebrationSlot
}

// DecodePatch parses an overlay.update payload into a single-slot Patch.
// Unknown slot names fail with ErrInvalidSlot; so do malformed slot payloads.
func DecodePatch(slot string, value json.RawMessage) (Patch, error) {
	var p Patch
	var err error
	switch models.SlotName(slot) {
	case models.SlotLowerThirds:
		v := &models.LowerThirdsSlot{}
		err = json.Unmarshal(value, v)
		p.LowerThirds = v
	case models.SlotCountdown:
		v := &models.CountdownSlot{}
		err = json.Unmarshal(value, v)
		p.Countdown = v
	case models.SlotRegistrationCTA:
		v := &models.RegistrationCTASlot{}
		err = json.Unmarshal(value, v)
		p.RegistrationCTA = v
	case models.SlotSocialProof:
		v := &models.SocialProofSlot{}
		err = json.Unmarshal(value, v)
		p.SocialProof = v
	case models.SlotPoll:
		v := &models.PollSlot{}
		err = json.Unmarshal(value, v)
		p.Poll = v
	case models.SlotSmartCTA:
		v := &models.SmartCTASlot{}
		err = json.Unmarshal(value, v)
		p.SmartCTA = v
	case models.SlotCelebration:
		v := &models.CelebrationSlot{}
		err = json.Unmarshal(value, v)
		p.Celebration = v
	default:
		return Patch{}, fmt.Errorf("%w: %q", protocol.ErrInvalidSlot, slot)
	}
	if err != nil {
		return Patch{}, fmt.Errorf("%w: decode %s: %v", protocol.ErrInvalidSlot, slot, err)
	}
	return p, nil
}

// Merge applies a patch to the current state, replacing each patched slot
// wholesale. Merge is pure: callers own serialization per channel.
func Merge(current models.OverlayState, p Patch) models.OverlayState {
	next := current
	if p.LowerThirds != nil {
		next.LowerThirds = *p.LowerThirds
	}
	if p.Countdown != nil {
		next.Countdown = *p.Countdown
	}
	if p.RegistrationCTA != nil {
		next.RegistrationCTA = *p.RegistrationCTA
	}
	if p.SocialProof != nil {
		next.SocialProof = *p.SocialProof
	}
	if p.Poll != nil {
		next.Poll = clonePoll(*p.Poll)
	}
	if p.SmartCTA != nil {
		next.SmartCTA = *p.SmartCTA
	}
	if p.Celebration != nil {
		next.Celebration = *p.Celebration
	}
	return next
}

// StartPoll replaces the poll slot with a fresh visible poll and returns the
// new state alongside the poll value for broadcasting. Any previously active
// poll is superseded.
func StartPoll(current models.OverlayState, question string, options []string) (models.OverlayState, models.PollSlot) {
	poll := models.PollSlot{
		Visible:  true,
		ID:       uuid.New(),
		Question: question,
		Options:  append([]string(nil), options...),
	}
	next := current
	next.Poll = poll
	return next, poll
}

// EndPoll hides the poll slot if pollID matches the active poll. Ending a poll
// that is no longer active is a no-op.
func EndPoll(current models.OverlayState, pollID uuid.UUID) (models.OverlayState, bool) {
	if !current.Poll.Visible || current.Poll.ID != pollID {
		return current, false
	}
	next := current
	next.Poll.Visible = false
	return next, true
}

// clonePoll copies the options slice so a retained patch cannot alias the
// canonical state.
func clonePoll(p models.PollSlot) models.PollSlot {
	p.Options = append([]string(nil), p.Options...)
	return p
}
