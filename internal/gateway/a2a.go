package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/clawmesh/internal/shared"
)

// AgentCard follows the A2A agent card schema. Each registered agent is
// advertised as a skill reachable through /api/agents/{name}/tasks.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
	Skills             []A2ASkill   `json:"skills"`
}

type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

type A2ASkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	skills := []A2ASkill{}
	if s.cfg.Registry != nil {
		for _, a := range s.cfg.Registry.List() {
			skills = append(skills, A2ASkill{
				ID:          a.Name,
				Name:        a.Name,
				Description: "Registered agent; POST tasks to /api/agents/" + a.Name + "/tasks",
				Tags:        []string{"registry"},
			})
		}
	}

	card := AgentCard{
		Name:               "clawmesh",
		Description:        "Agent registry, task router and session orchestrator",
		URL:                s.publicURL(),
		Version:            s.cfg.Version,
		Capabilities:       Capabilities{Streaming: true, StateTransitionHistory: true},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             skills,
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	shared.WriteJSON(w, http.StatusOK, card)
}

func (s *Server) publicURL() string {
	if u := strings.TrimRight(s.cfg.Gateway.PublicURL, "/"); u != "" {
		return u
	}
	addr := s.cfg.Gateway.BindAddr
	if addr == "" {
		return ""
	}
	return "http://" + addr
}
