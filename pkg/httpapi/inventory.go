package httpapi

import (
	"fmt"
	"net/http"

	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/types"
)

// actingProfile resolves and loads the profile the request operates on.
func (s *Server) actingProfile(r *http.Request) (*types.Profile, error) {
	alias, err := s.requestAlias(r)
	if err != nil {
		return nil, err
	}
	profile, err := s.profiles.Get(alias)
	if err != nil {
		return nil, &types.ValidationError{Msg: fmt.Sprintf("unknown account alias %q", alias)}
	}
	return profile, nil
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	profile, err := s.actingProfile(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	views, err := s.cloud.ListInstances(r.Context(), profile)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if views == nil {
		views = []*types.InstanceView{}
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) handleInstanceDetails(w http.ResponseWriter, r *http.Request) {
	profile, err := s.actingProfile(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	detail, err := s.cloud.InstanceDetails(r.Context(), profile, pathParam(r, "instanceID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, detail)
}

func (s *Server) handleAvailableShapes(w http.ResponseWriter, r *http.Request) {
	profile, err := s.actingProfile(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	osNameVersion := r.URL.Query().Get("os_name_version")
	if osNameVersion == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "os_name_version query parameter is required"})
		return
	}
	osName, osVersion := splitOSNameVersion(osNameVersion)

	shapes, err := s.cloud.AvailableShapes(r.Context(), profile, osName, osVersion)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if shapes == nil {
		shapes = []string{}
	}
	s.respond(w, http.StatusOK, shapes)
}

func (s *Server) handleNetworkResources(w http.ResponseWriter, r *http.Request) {
	profile, err := s.actingProfile(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resources, err := s.cloud.NetworkResources(r.Context(), profile)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, resources)
}

func (s *Server) handleSecurityList(w http.ResponseWriter, r *http.Request) {
	profile, err := s.actingProfile(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	securityList, err := s.cloud.SecurityList(r.Context(), profile, pathParam(r, "securityListID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, securityList)
}

type updateSecurityRulesRequest struct {
	SecurityListID string `json:"security_list_id"`
	Rules          struct {
		Ingress []core.IngressSecurityRule `json:"ingress_security_rules"`
		Egress  []core.EgressSecurityRule  `json:"egress_security_rules"`
	} `json:"rules"`
}

func (s *Server) handleUpdateSecurityRules(w http.ResponseWriter, r *http.Request) {
	profile, err := s.actingProfile(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body updateSecurityRulesRequest
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.SecurityListID == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "security_list_id is required"})
		return
	}

	if err := s.cloud.UpdateSecurityRules(r.Context(), profile, body.SecurityListID, body.Rules.Ingress, body.Rules.Egress); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "message": "security rules updated"})
}
