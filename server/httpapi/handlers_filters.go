package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/ruleset"
)

type createFilterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateFilterRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Enabled     *bool   `json:"enabled"`
	MatchAll    *bool   `json:"match_all"`
}

type conditionRequest struct {
	Field    *string `json:"field"`
	Operator *string `json:"operator"`
	Value    *string `json:"value"`
}

type actionRequest struct {
	Kind  *string `json:"kind"`
	Value *string `json:"value"`
}

type moveRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type selectionRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"filters": manager.Filters(),
		"stats":   manager.Stats(),
	})
}

func (s *Server) handleCreateFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}

	var req createFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Filter name is required")
		return
	}
	if manager.Stats().TotalRules >= s.engineCfg.GetMaxFiltersPerAccount() {
		s.writeError(w, http.StatusUnprocessableEntity, "Filter limit reached for account")
		return
	}

	filter := manager.Create(req.Name, req.Description)
	s.writeJSON(w, http.StatusCreated, filter)
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	filter := manager.GetByID(mux.Vars(r)["filterID"])
	if filter == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	s.writeJSON(w, http.StatusOK, filter)
}

func (s *Server) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	filterID := mux.Vars(r)["filterID"]
	if manager.GetByID(filterID) == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}

	var req updateFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	manager.Update(filterID, ruleset.FilterPatch{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
		MatchAll:    req.MatchAll,
	})
	s.writeJSON(w, http.StatusOK, manager.GetByID(filterID))
}

func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	filterID := mux.Vars(r)["filterID"]
	if manager.GetByID(filterID) == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	manager.Delete(filterID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	filterID := mux.Vars(r)["filterID"]
	if manager.GetByID(filterID) == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	manager.Toggle(filterID)
	s.writeJSON(w, http.StatusOK, manager.GetByID(filterID))
}

func (s *Server) handleDuplicateFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	if manager.Stats().TotalRules >= s.engineCfg.GetMaxFiltersPerAccount() {
		s.writeError(w, http.StatusUnprocessableEntity, "Filter limit reached for account")
		return
	}
	dup := manager.Duplicate(mux.Vars(r)["filterID"])
	if dup == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	s.writeJSON(w, http.StatusCreated, dup)
}

func (s *Server) handleMoveFilter(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	total := manager.Stats().TotalRules
	if req.From < 0 || req.From >= total || req.To < 0 || req.To >= total {
		s.writeError(w, http.StatusBadRequest, "Move index out of range")
		return
	}
	manager.MoveFilter(req.From, req.To)
	s.writeJSON(w, http.StatusOK, map[string]any{"filters": manager.Filters()})
}

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": manager.Selected()})
}

func (s *Server) handleSetSelection(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ID != "" && manager.GetByID(req.ID) == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	manager.Select(req.ID)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": manager.Selected()})
}

func (s *Server) handleAddCondition(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	filterID := mux.Vars(r)["filterID"]
	filter := manager.GetByID(filterID)
	if filter == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	if len(filter.Conditions) >= s.engineCfg.GetMaxConditionsPerFilter() {
		s.writeError(w, http.StatusUnprocessableEntity, "Condition limit reached for filter")
		return
	}

	var req conditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	patch, errMsg := conditionPatch(req)
	if errMsg != "" {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	added := manager.AddCondition(filterID)
	manager.UpdateCondition(filterID, added.ID, patch)
	s.writeJSON(w, http.StatusCreated, findCondition(manager.GetByID(filterID), added.ID))
}

func (s *Server) handleUpdateCondition(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	filterID, conditionID := vars["filterID"], vars["conditionID"]
	if findCondition(manager.GetByID(filterID), conditionID) == nil {
		s.writeError(w, http.StatusNotFound, "Condition not found")
		return
	}

	var req conditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	patch, errMsg := conditionPatch(req)
	if errMsg != "" {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	manager.UpdateCondition(filterID, conditionID, patch)
	s.writeJSON(w, http.StatusOK, findCondition(manager.GetByID(filterID), conditionID))
}

func (s *Server) handleRemoveCondition(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	filterID, conditionID := vars["filterID"], vars["conditionID"]
	if findCondition(manager.GetByID(filterID), conditionID) == nil {
		s.writeError(w, http.StatusNotFound, "Condition not found")
		return
	}
	manager.RemoveCondition(filterID, conditionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddAction(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	filterID := mux.Vars(r)["filterID"]
	filter := manager.GetByID(filterID)
	if filter == nil {
		s.writeError(w, http.StatusNotFound, "Filter not found")
		return
	}
	if len(filter.Actions) >= s.engineCfg.GetMaxActionsPerFilter() {
		s.writeError(w, http.StatusUnprocessableEntity, "Action limit reached for filter")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	patch, errMsg := actionPatch(req)
	if errMsg != "" {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	added := manager.AddAction(filterID)
	manager.UpdateAction(filterID, added.ID, patch)
	s.writeJSON(w, http.StatusCreated, findAction(manager.GetByID(filterID), added.ID))
}

func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	filterID, actionID := vars["filterID"], vars["actionID"]
	if findAction(manager.GetByID(filterID), actionID) == nil {
		s.writeError(w, http.StatusNotFound, "Action not found")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	patch, errMsg := actionPatch(req)
	if errMsg != "" {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	manager.UpdateAction(filterID, actionID, patch)
	s.writeJSON(w, http.StatusOK, findAction(manager.GetByID(filterID), actionID))
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	filterID, actionID := vars["filterID"], vars["actionID"]
	if findAction(manager.GetByID(filterID), actionID) == nil {
		s.writeError(w, http.StatusNotFound, "Action not found")
		return
	}
	manager.RemoveAction(filterID, actionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccountStats(w http.ResponseWriter, r *http.Request) {
	manager, _, ok := s.accountManager(w, r)
	if !ok {
		return
	}

	body, err := json.Marshal(manager.Stats())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to encode stats")
		return
	}
	etag := `"` + ruleset.ContentHash(body) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusNotImplemented, "Delivery hook is not configured")
		return
	}
	_, accountID, ok := s.accountManager(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read message body")
		return
	}
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	result, err := s.pipeline.DeliverMessage(r.Context(), accountID, raw)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Delivery failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// conditionPatch validates the request's vocabulary. Unknown fields and
// operators are rejected here even though the engine would tolerate them:
// the API is where typos should surface.
func conditionPatch(req conditionRequest) (ruleset.ConditionPatch, string) {
	var patch ruleset.ConditionPatch
	if req.Field != nil {
		field, ok := rules.ParseField(*req.Field)
		if !ok {
			return patch, "Unknown condition field: " + *req.Field
		}
		patch.Field = &field
	}
	if req.Operator != nil {
		op, ok := rules.ParseOperator(*req.Operator)
		if !ok {
			return patch, "Unknown condition operator: " + *req.Operator
		}
		patch.Operator = &op
	}
	patch.Value = req.Value
	return patch, ""
}

func actionPatch(req actionRequest) (ruleset.ActionPatch, string) {
	var patch ruleset.ActionPatch
	if req.Kind != nil {
		kind, ok := rules.ParseActionKind(*req.Kind)
		if !ok {
			return patch, "Unknown action kind: " + *req.Kind
		}
		patch.Kind = &kind
	}
	patch.Value = req.Value
	return patch, ""
}

func findCondition(f *rules.Filter, id string) *rules.Condition {
	if f == nil {
		return nil
	}
	for i := range f.Conditions {
		if f.Conditions[i].ID == id {
			return &f.Conditions[i]
		}
	}
	return nil
}

func findAction(f *rules.Filter, id string) *rules.Action {
	if f == nil {
		return nil
	}
	for i := range f.Actions {
		if f.Actions[i].ID == id {
			return &f.Actions[i]
		}
	}
	return nil
}
