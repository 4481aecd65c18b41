package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/catalog"
	"github.com/sells-group/docintel/internal/jobqueue"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Jobs ---

type createJobResponse struct {
	Job     *model.ExtractionJob `json:"job"`
	Created bool                 `json:"created"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req model.NewJob
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		badRequest(w, "documentId is required")
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		badRequest(w, "clientId is required")
		return
	}
	if strings.TrimSpace(req.FileRef) == "" {
		badRequest(w, "fileRef is required")
		return
	}

	job, created, err := s.deps.Queue.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createJobResponse{Job: job, Created: created})
}

func (s *Server) processJobs(w http.ResponseWriter, r *http.Request) {
	var req jobqueue.BatchRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	if req.Limit < 0 {
		badRequest(w, "limit must not be negative")
		return
	}

	res, err := s.deps.Processor.ProcessBatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reapJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Queue.ReapStale(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.ExtractionJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reaped": len(jobs), "jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:     model.JobStatus(q.Get("status")),
		DocumentID: q.Get("documentId"),
		ClientID:   q.Get("clientId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(w, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset"); !ok {
		return
	}

	jobs, err := s.deps.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.ExtractionJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// --- Codification ---

func (s *Server) smartPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Codifier.RunSmartPass(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	filter := store.ItemFilter{
		DocumentID: chi.URLParam(r, "documentID"),
		Status:     model.MappingStatus(r.URL.Query().Get("status")),
	}
	items, err := s.deps.Store.ListItems(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.CodifiedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type confirmRequest struct {
	CodeID string `json:"codeId"`
}

func (s *Server) confirmItem(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	item, err := s.deps.Codifier.ConfirmItem(r.Context(), chi.URLParam(r, "itemID"), req.CodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) upsertAlias(w http.ResponseWriter, r *http.Request) {
	var req alias.UpsertRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = model.AliasSourceManual
	}
	switch {
	case alias.Normalize(req.Alias) == "":
		badRequest(w, "alias is required")
		return
	case req.CanonicalCodeID == "":
		badRequest(w, "canonicalCodeId is required")
		return
	case !req.Source.Valid():
		badRequest(w, "unknown source "+strconv.Quote(string(req.Source)))
		return
	case req.Confidence < 0 || req.Confidence > 1:
		badRequest(w, "confidence must be within [0, 1]")
		return
	}

	res, err := s.deps.Aliases.Upsert(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deactivateAlias(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Aliases.Deactivate(r.Context(), chi.URLParam(r, "aliasID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.deps.Store.ListCodes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("grouped") == "true" {
		writeJSON(w, http.StatusOK, catalog.Group(codes))
		return
	}
	if codes == nil {
		codes = []model.CanonicalCode{}
	}
	writeJSON(w, http.StatusOK, codes)
}

type proposedCodesRequest struct {
	Codes []model.ProposedCode `json:"codes"`
}

func (s *Server) createProposedCodes(w http.ResponseWriter, r *http.Request) {
	var req proposedCodesRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if len(req.Codes) == 0 {
		badRequest(w, "codes is required")
		return
	}
	codes, err := s.deps.Codifier.CreateProposedCodes(r.Context(), req.Codes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, codes)
}

// --- Intelligence ---

// ingestRequest carries either a document's tagged facts or raw fields.
type ingestRequest struct {
	Facts  *model.FactsEnvelope      `json:"facts,omitempty"`
	Fields []model.IntelligenceField `json:"fields,omitempty"`
}

func (s *Server) ingestIntelligence(w http.ResponseWriter, r *http.Request) {
	scope, entityID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if req.Facts != nil {
		if _, err := req.Facts.DecodeFacts(); err != nil {
			badRequest(w, err.Error())
			return
		}
		res, err := s.deps.Intel.IngestFacts(r.Context(), scope, entityID, *req.Facts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if len(req.Fields) == 0 {
		badRequest(w, "facts or fields is required")
		return
	}
	for _, f := range req.Fields {
		if f.FieldPath == "" || f.Confidence < 0 || f.Confidence > 1 || len(f.Value) == 0 {
			badRequest(w, "each field needs a fieldPath, a value and a confidence within [0, 1]")
			return
		}
	}
	res, err := s.deps.Intel.Ingest(r.Context(), scope, entityID, req.Fields)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getIntelligence(w http.ResponseWriter, r *http.Request) {
	scope, entityID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	fields, err := s.deps.Intel.Get(r.Context(), scope, entityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func scopeParams(w http.ResponseWriter, r *http.Request) (model.Scope, string, bool) {
	scope := model.Scope(chi.URLParam(r, "scope"))
	if !scope.Valid() {
		badRequest(w, "scope must be client or project")
		return "", "", false
	}
	return scope, chi.URLParam(r, "entityID"), true
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
