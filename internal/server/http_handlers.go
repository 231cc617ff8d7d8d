package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/query"
)

func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /entities", s.handleAddEntity)
	mux.HandleFunc("DELETE /entities/{id}", s.handleRemoveEntity)
	mux.HandleFunc("PATCH /entities/{id}", s.handleUpdateEntity)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	conds, err := query.ToConditions(req.Conditions, s.Store)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.Store.Query(conds)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, query.ErrNoConditions) || errors.Is(err, query.ErrUnsupportedPValue) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	resp := QueryResponse{
		RequestID: req.RequestID,
		Entities:  res.Entities,
		Exhausted: res.Exhausted,
	}
	for _, d := range res.Distances {
		resp.Distances = append(resp.Distances, DistancePair{Entity: d.Entity, Value: d.Distance})
	}
	if res.HasScalar && !math.IsNaN(res.Scalar) {
		scalar := res.Scalar
		resp.Scalar = &scalar
	}
	if res.HasValue {
		resp.Value = s.cellToJSON(res.Value)
	}
	for _, m := range res.Masses {
		resp.Masses = append(resp.Masses, ValueMassJSON{Value: s.cellToJSON(m.Value), Mass: m.Mass})
	}
	writeJSON(w, http.StatusOK, resp)
}

// cellToJSON renders a cell for the wire; strings resolve through the
// intern pool.
func (s *Server) cellToJSON(v cell.Value) interface{} {
	switch v.Type {
	case cell.Number:
		if math.IsNaN(v.Number) {
			return "NaN"
		}
		return v.Number
	case cell.StringID:
		return s.Store.Pool().Get(v.StringID)
	default:
		return nil
	}
}

func (s *Server) handleAddEntity(w http.ResponseWriter, r *http.Request) {
	var req EntityAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	idx := s.Store.AddEntity(req.Values, req.Seed)
	writeJSON(w, http.StatusCreated, EntityAddResponse{Entity: idx})
}

func (s *Server) handleRemoveEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.RemoveEntity(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req EntityUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, errors.New("label is required"))
		return
	}
	if err := s.Store.UpdateEntityLabel(id, req.Label, req.Value); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Entities: s.Store.NumEntities(),
		Columns:  s.Store.NumColumns(),
		Strings:  s.Store.Pool().NumStringsInUse(),
	})
}
