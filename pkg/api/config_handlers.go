package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tcmartin/crewrunner/pkg/crew"
	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
)

// handleFullConfig returns masked keys, agent settings and defaults in one call
func (s *Server) handleFullConfig(w http.ResponseWriter, r *http.Request) {
	masked := map[models.Provider]string{}
	if s.deps.Credentials != nil {
		keys, err := s.deps.Credentials.MaskedKeys()
		if err != nil {
			s.deps.Logger.Error("Failed to read API keys", logging.Err(err))
			writeError(w, http.StatusInternalServerError, "Failed to read API keys")
			return
		}
		masked = keys
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_keys":      masked,
		"agent_configs": s.deps.Agents.Configs(),
		"default_settings": map[string]interface{}{
			"temperature":    crew.DefaultTemperature,
			"max_tokens":     crew.DefaultMaxTokens,
			"execution_mode": models.ModeRun,
		},
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Agents.Configs())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cfg, ok := s.deps.Agents.Config(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Agent configuration not found for "+name)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStoreAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var cfg models.AgentConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.deps.Agents.SetConfig(name, cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.deps.Logger.Info("Agent configuration stored",
		logging.F("agent", name),
		logging.F("provider", cfg.Provider),
		logging.F("model", cfg.Model))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Agent configuration for " + name + " stored successfully",
	})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps": s.deps.Steps,
		"total": len(s.deps.Steps),
	})
}

func (s *Server) handleModelOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, crew.ModelOptions())
}

func (s *Server) handleAgentTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Agents.DisplayNames())
}
