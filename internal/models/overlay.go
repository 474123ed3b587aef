package models

import (
	"time"

	"github.com/google/uuid"
)

// SlotName identifies one of the fixed overlay slots.
type SlotName string

const (
	SlotLowerThirds     SlotName = "lowerThirds"
	SlotCountdown       SlotName = "countdown"
	SlotRegistrationCTA SlotName = "registrationCta"
	SlotSocialProof     SlotName = "socialProof"
	SlotPoll            SlotName = "poll"
	SlotSmartCTA        SlotName = "smartCta"
	SlotCelebration     SlotName = "celebration"
)

// SlotNames lists every overlay slot in render order.
var SlotNames = []SlotName{
	SlotLowerThirds,
	SlotCountdown,
	SlotRegistrationCTA,
	SlotSocialProof,
	SlotPoll,
	SlotSmartCTA,
	SlotCelebration,
}

// LowerThirdsSlot is the name/title banner at the bottom of the frame.
type LowerThirdsSlot struct {
	Visible bool   `json:"visible"`
	Text    string `json:"text,omitempty"`
	Subtext string `json:"subtext,omitempty"`
}

// CountdownSlot counts down to a wall-clock target. The display timer runs on
// each consumer; the hub only delivers the visibility transitions.
type CountdownSlot struct {
	Visible bool      `json:"visible"`
	Label   string    `json:"label,omitempty"`
	Target  time.Time `json:"target,omitempty"`
}

// RegistrationCTASlot prompts viewers to register.
type RegistrationCTASlot struct {
	Visible    bool   `json:"visible"`
	Headline   string `json:"headline,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	URL        string `json:"url,omitempty"`
}

// SocialProofSlot shows live audience stats. Values are produced by an external
// collaborator and arrive as ordinary overlay updates through the host session.
type SocialProofSlot struct {
	Visible         bool    `json:"visible"`
	ViewerCount     int     `json:"viewer_count,omitempty"`
	EngagementScore float64 `json:"engagement_score,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// PollSlot is the live poll overlay. At most one poll is active per channel;
// starting a new poll replaces the previous one.
type PollSlot struct {
	Visible  bool      `json:"visible"`
	ID       uuid.UUID `json:"id,omitempty"`
	Question string    `json:"question,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

// SmartCTASlot is a contextual call-to-action.
type SmartCTASlot struct {
	Visible    bool   `json:"visible"`
	Headline   string `json:"headline,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	URL        string `json:"url,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
}

// CelebrationSlot fires a short confetti-style animation. DurationMS drives the
// consumer's local timer; the hub does not track running animations.
type CelebrationSlot struct {
	Visible    bool   `json:"visible"`
	Kind       string `json:"kind,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// OverlayState is the canonical overlay for a channel: a total mapping from
// slot name to slot value. Zero values are valid hidden slots, so the state is
// complete by construction and late joiners always receive a full snapshot.
type OverlayState struct {
	LowerThirds     LowerThirdsSlot     `json:"lowerThirds"`
	Countdown       CountdownSlot       `json:"countdown"`
	RegistrationCTA RegistrationCTASlot `json:"registrationCta"`
	SocialProof     SocialProofSlot     `json:"socialProof"`
	Poll            PollSlot            `json:"poll"`
	SmartCTA        SmartCTASlot        `json:"smartCta"`
	Celebration     CelebrationSlot     `json:"celebration"`
}
