package models

// Role distinguishes the single privileged studio session from viewers.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// HostParticipantID is the fixed participant id of the studio session. Viewers
// get a random id per first connection and keep it across reconnects so prior
// private replies addressed to them still resolve.
const HostParticipantID = "host"
