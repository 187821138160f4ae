package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snatchd/snatchd/pkg/types"
)

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// handleListProfiles returns the ordered alias list. The store heals and
// persists order drift as part of the read, so the returned order is the
// effective one.
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.profiles.List()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if aliases == nil {
		aliases = []string{}
	}
	s.respond(w, http.StatusOK, aliases)
}

func (s *Server) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alias       string        `json:"alias"`
		ProfileData types.Profile `json:"profile_data"`
	}
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.Alias == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "alias is required"})
		return
	}

	if _, err := s.profiles.Upsert(body.Alias, &body.ProfileData); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "alias": body.Alias})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profiles.Get(pathParam(r, "alias"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Delete(pathParam(r, "alias")); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSetProfileOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order []string `json:"order"`
	}
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.profiles.SetOrder(body.Order); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetTelegramConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.Telegram()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cfg)
}

func (s *Server) handleSetTelegramConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.TelegramConfig
	if err := s.decode(r, &cfg); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.settings.SaveTelegram(cfg); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetCloudflareConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.Cloudflare()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, cfg)
}

func (s *Server) handleSetCloudflareConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.CloudflareConfig
	if err := s.decode(r, &cfg); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.settings.SaveCloudflare(cfg); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetDefaultSSHKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.profiles.DefaultSSHKey()
	if err != nil {
		// A missing default-key file is an empty default, not an error.
		key = ""
	}
	s.respond(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleSetDefaultSSHKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.profiles.SetDefaultSSHKey(body.Key); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}
