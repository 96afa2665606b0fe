package bus

import "time"

// Session lifecycle topics.
const (
	TopicSessionCreated       = "session.created"
	TopicSessionStatusChanged = "session.status_changed"
	TopicSessionDeleted       = "session.deleted"
)

// Registry topics.
const (
	TopicAgentRegistered   = "registry.agent_registered"
	TopicAgentUnregistered = "registry.agent_unregistered"
	TopicRegistryReloaded  = "registry.reloaded"
)

// SessionEvent is the payload of every session.* topic.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status"`
	JobName   string    `json:"job_name,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// AgentEvent is the payload of registry.agent_* topics.
type AgentEvent struct {
	Name string    `json:"name"`
	URL  string    `json:"url,omitempty"`
	At   time.Time `json:"at"`
}

// RegistryReloadedEvent is published after the registry file is re-read.
type RegistryReloadedEvent struct {
	Path   string `json:"path"`
	Agents int    `json:"agents"`
}
