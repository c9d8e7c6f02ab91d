package protocol

import "github.com/victornm/planningpoker/internal/domain"

// Command names.
const (
	CommandCreateSession           = "CreateSession"
	CommandJoinSession             = "JoinSession"
	CommandConnectToSession        = "ConnectToSession"
	CommandDisconnectFromSession   = "DisconnectFromSession"
	CommandUpdateParticipantName   = "UpdateParticipantName"
	CommandUpdateParticipantPoints = "UpdateParticipantPoints"
	CommandUpdateSessionState      = "UpdateSessionState"
	CommandUpdateSessionTitle      = "UpdateSessionTitle"
	CommandAddPoint                = "AddPoint"
	CommandRemovePoint             = "RemovePoint"
	CommandSendStarToParticipant   = "SendStarToParticipant"
	CommandMigrateParticipant      = "MigrateParticipant"
)

type CreateSessionRequest struct {
	Title  string   `json:"title"`
	Points []string `json:"points,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type JoinSessionRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

type JoinSessionResponse struct {
	ParticipantID string `json:"participant_id"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type ConnectToSessionResponse struct {
	Session domain.Session `json:"session"`
}

type UpdateParticipantNameRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

type UpdateParticipantPointsRequest struct {
	SessionID string `json:"session_id"`
	Points    string `json:"points"`
}

type UpdateSessionStateRequest struct {
	SessionID string       `json:"session_id"`
	State     domain.State `json:"state"`
}

type UpdateSessionTitleRequest struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

type PointRequest struct {
	SessionID string `json:"session_id"`
	Point     string `json:"point"`
}

type SendStarRequest struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

type MigrateParticipantRequest struct {
	SessionID             string `json:"session_id"`
	PreviousParticipantID string `json:"previous_participant_id"`
}
