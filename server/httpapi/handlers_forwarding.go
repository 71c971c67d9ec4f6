package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/migadu/sift/helpers"
	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/ruleset"
)

type createForwardingRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateForwardingRequest struct {
	Name        *string                     `json:"name"`
	Description *string                     `json:"description"`
	Enabled     *bool                       `json:"enabled"`
	MatchAll    *bool                       `json:"match_all"`
	Conditions  []rules.ForwardingCondition `json:"conditions"`
	Actions     []rules.ForwardingAction    `json:"actions"`
}

func (s *Server) handleListForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": fm.Rules()})
}

func (s *Server) handleCreateForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}

	var req createForwardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Rule name is required")
		return
	}
	if len(fm.Rules()) >= s.engineCfg.GetMaxFiltersPerAccount() {
		s.writeError(w, http.StatusUnprocessableEntity, "Forwarding rule limit reached for account")
		return
	}

	rule := fm.Create(req.Name, req.Description)
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}
	rule := fm.GetByID(mux.Vars(r)["ruleID"])
	if rule == nil {
		s.writeError(w, http.StatusNotFound, "Forwarding rule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}
	ruleID := mux.Vars(r)["ruleID"]
	if fm.GetByID(ruleID) == nil {
		s.writeError(w, http.StatusNotFound, "Forwarding rule not found")
		return
	}

	var req updateForwardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if msg := validateForwardingVocabulary(req); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req.Conditions) > s.engineCfg.GetMaxConditionsPerFilter() {
		s.writeError(w, http.StatusUnprocessableEntity, "Condition limit reached for rule")
		return
	}
	if len(req.Actions) > s.engineCfg.GetMaxActionsPerFilter() {
		s.writeError(w, http.StatusUnprocessableEntity, "Action limit reached for rule")
		return
	}

	fm.Update(ruleID, ruleset.ForwardingRulePatch{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
		MatchAll:    req.MatchAll,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
	})
	s.writeJSON(w, http.StatusOK, fm.GetByID(ruleID))
}

func (s *Server) handleDeleteForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}
	ruleID := mux.Vars(r)["ruleID"]
	if fm.GetByID(ruleID) == nil {
		s.writeError(w, http.StatusNotFound, "Forwarding rule not found")
		return
	}
	fm.Delete(ruleID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}
	ruleID := mux.Vars(r)["ruleID"]
	if fm.GetByID(ruleID) == nil {
		s.writeError(w, http.StatusNotFound, "Forwarding rule not found")
		return
	}
	fm.Toggle(ruleID)
	s.writeJSON(w, http.StatusOK, fm.GetByID(ruleID))
}

func (s *Server) handleMoveForwarding(w http.ResponseWriter, r *http.Request) {
	fm, ok := s.forwardingManager(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	total := len(fm.Rules())
	if req.From < 0 || req.From >= total || req.To < 0 || req.To >= total {
		s.writeError(w, http.StatusBadRequest, "Move index out of range")
		return
	}
	fm.MoveRule(req.From, req.To)
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": fm.Rules()})
}

func validateForwardingVocabulary(req updateForwardingRequest) string {
	for _, c := range req.Conditions {
		if _, ok := rules.ParseForwardingField(string(c.Field)); !ok {
			return "Unknown condition field: " + string(c.Field)
		}
		if _, ok := rules.ParseForwardingOperator(string(c.Operator)); !ok {
			return "Unknown condition operator: " + string(c.Operator)
		}
	}
	for _, a := range req.Actions {
		kind, ok := rules.ParseForwardingActionKind(string(a.Kind))
		if !ok {
			return "Unknown action kind: " + string(a.Kind)
		}
		if kind == rules.ForwardExternal || kind == rules.ForwardToAccount {
			if !helpers.IsValidEmailAddress(a.Value) {
				return "Invalid forward target address: " + a.Value
			}
		}
	}
	return ""
}
