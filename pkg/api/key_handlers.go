package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
	"github.com/tcmartin/crewrunner/pkg/services"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

type setKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// providerVar parses the {provider} route variable, writing a 400 on failure
func providerVar(w http.ResponseWriter, r *http.Request) (models.Provider, bool) {
	provider, err := models.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return provider, true
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	infos := make([]services.APIKeyInfo, 0, len(models.Providers))
	for _, provider := range models.Providers {
		info, err := s.deps.Credentials.Info(provider)
		if err != nil {
			s.deps.Logger.Error("Failed to read API key", logging.F("provider", provider), logging.Err(err))
			writeError(w, http.StatusInternalServerError, "Failed to read API keys")
			return
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	provider, err := models.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Credentials.SetAPIKey(provider, req.APIKey); err != nil {
		if errors.Is(err, services.ErrInvalidAPIKey) {
			writeError(w, http.StatusBadRequest, "Invalid API key format for "+string(provider))
			return
		}
		s.deps.Logger.Error("Failed to store API key", logging.F("provider", provider), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to store API key")
		return
	}

	s.deps.Logger.Info("API key stored", logging.F("provider", provider))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "API key for " + string(provider) + " stored successfully",
	})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerVar(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Credentials.Info(provider)
	if err != nil {
		s.deps.Logger.Error("Failed to read API key", logging.F("provider", provider), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to read API key")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerVar(w, r)
	if !ok {
		return
	}
	err := s.deps.Credentials.DeleteAPIKey(provider)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "API key for "+string(provider)+" not found")
		return
	default:
		s.deps.Logger.Error("Failed to delete API key", logging.F("provider", provider), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete API key")
		return
	}

	s.deps.Logger.Info("API key deleted", logging.F("provider", provider))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "API key for " + string(provider) + " deleted successfully",
	})
}

func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerVar(w, r)
	if !ok {
		return
	}
	valid, err := s.deps.Credentials.Validate(provider)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "API key for "+string(provider)+" not found")
		return
	default:
		s.deps.Logger.Error("Failed to validate API key", logging.F("provider", provider), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to validate API key")
		return
	}

	message := "API key format is valid"
	if !valid {
		message = "API key format is invalid"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": provider,
		"is_valid": valid,
		"message":  message,
	})
}
