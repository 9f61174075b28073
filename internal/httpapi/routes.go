package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"zkdocdb/server/internal/auth"
	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/permission"
	"zkdocdb/server/internal/queue"
	"zkdocdb/server/internal/service"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

type Server struct {
	svc *service.Service
	log *logrus.Entry
}

func NewServer(svc *service.Service, log *logrus.Entry) *Server {
	return &Server{svc: svc, log: log}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", handleHealthz)

	mux.HandleFunc("GET /v1/databases", s.handleListDatabases)
	mux.HandleFunc("POST /v1/databases", s.handleCreateDatabase)

	const db = "/v1/databases/{db}"
	mux.HandleFunc("GET "+db+"/collections", s.handleListCollections)
	mux.HandleFunc("POST "+db+"/collections", s.handleCreateCollection)
	mux.HandleFunc("GET "+db+"/collections/{coll}", s.handleGetCollection)
	mux.HandleFunc("GET "+db+"/collections/{coll}/permissions", s.handleGetPermission)
	mux.HandleFunc("PUT "+db+"/collections/{coll}/permissions", s.handleSetPermission)
	mux.HandleFunc("POST "+db+"/collections/{coll}/ownership", s.handleTransferOwnership)

	const docs = db + "/collections/{coll}/documents"
	mux.HandleFunc("POST "+docs, s.handleCreateDocument)
	mux.HandleFunc("POST "+docs+"/query", s.handleFindDocuments)
	mux.HandleFunc("POST "+docs+"/update", s.handleUpdateDocument)
	mux.HandleFunc("POST "+docs+"/drop", s.handleDropDocument)
	mux.HandleFunc("GET "+docs+"/{doc}", s.handleFindDocument)
	mux.HandleFunc("PATCH "+docs+"/{doc}", s.handleUpdateDocument)
	mux.HandleFunc("DELETE "+docs+"/{doc}", s.handleDropDocument)
	mux.HandleFunc("GET "+docs+"/{doc}/history", s.handleDocumentHistory)
	mux.HandleFunc("GET "+docs+"/{doc}/witness", s.handleDocumentWitness)
	mux.HandleFunc("GET "+docs+"/{doc}/permissions", s.handleGetPermission)
	mux.HandleFunc("PUT "+docs+"/{doc}/permissions", s.handleSetPermission)
	mux.HandleFunc("POST "+docs+"/{doc}/ownership", s.handleTransferOwnership)

	mux.HandleFunc("POST "+db+"/groups", s.handleCreateGroup)
	mux.HandleFunc("GET "+db+"/groups/{group}", s.handleGetGroup)
	mux.HandleFunc("POST "+db+"/groups/{group}/members", s.handleAddMembers)
	mux.HandleFunc("POST "+db+"/groups/{group}/members/remove", s.handleRemoveMembers)

	mux.HandleFunc("GET "+db+"/merkle/root", s.handleGetRoot)
	mux.HandleFunc("GET "+db+"/merkle/witness/{index}", s.handleGetWitness)
	mux.HandleFunc("GET "+db+"/merkle/nodes/{level}/{index}", s.handleGetNode)

	mux.HandleFunc("GET "+db+"/rollup", s.handleRollupState)
	mux.HandleFunc("POST "+db+"/rollup", s.handleRollupCreate)
	mux.HandleFunc("GET "+db+"/rollup/onchain", s.handleOnChainRecords)
	mux.HandleFunc("GET "+db+"/transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("POST "+db+"/transactions/{id}/signature", s.handleSubmitSignature)
	mux.HandleFunc("GET "+db+"/transitions/{id}", s.handleGetTransition)
	mux.HandleFunc("POST "+db+"/transitions/{id}/proof", s.handleRecordProof)
	mux.HandleFunc("GET "+db+"/tasks/proof", s.handleProofTasks)
}

func actorOf(r *http.Request) string {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.svc.ListDatabases(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"databases": dbs})
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name         string `json:"name"`
		MerkleHeight int    `json:"merkleHeight"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	db, err := s.svc.CreateDatabase(r.Context(), actorOf(r), payload.Name, payload.MerkleHeight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, db)
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.ListCollections(r.Context(), r.PathValue("db"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"collections": names})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var payload service.CollectionInput
	if !s.decode(w, r, &payload) {
		return
	}
	coll, err := s.svc.CreateCollection(r.Context(), actorOf(r), r.PathValue("db"), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, coll)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := s.svc.GetCollection(r.Context(), r.PathValue("db"), r.PathValue("coll"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coll)
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var payload service.CreateInput
	if !s.decode(w, r, &payload) {
		return
	}
	result, err := s.svc.CreateDocument(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleFindDocuments(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Filter map[string]json.RawMessage `json:"filter"`
		Offset int                        `json:"offset"`
		Limit  int                        `json:"limit"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	page := service.Page{Offset: payload.Offset, Limit: payload.Limit}
	result, err := s.svc.FindDocuments(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), payload.Filter, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// selector takes the document from the path when present, otherwise from the body.
func selector(r *http.Request, body service.Selector) service.Selector {
	if doc := r.PathValue("doc"); doc != "" {
		return service.Selector{DocID: doc}
	}
	return body
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Selector service.Selector          `json:"selector"`
		Fields   map[string]json.RawMessage `json:"fields"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	result, err := s.svc.UpdateDocument(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), selector(r, payload.Selector), payload.Fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDropDocument(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Selector service.Selector `json:"selector"`
	}
	if r.PathValue("doc") == "" && !s.decode(w, r, &payload) {
		return
	}
	result, err := s.svc.DropDocument(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), selector(r, payload.Selector))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFindDocument(w http.ResponseWriter, r *http.Request) {
	rev, err := s.svc.FindDocument(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), service.Selector{DocID: r.PathValue("doc")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleDocumentHistory(w http.ResponseWriter, r *http.Request) {
	revs, err := s.svc.DocumentHistory(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), r.PathValue("doc"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"revisions": revs})
}

func (s *Server) handleDocumentWitness(w http.ResponseWriter, r *http.Request) {
	at, ok := s.atParam(w, r)
	if !ok {
		return
	}
	proof, err := s.svc.DocumentWitness(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), r.PathValue("doc"), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetPermission(r.Context(), r.PathValue("db"), r.PathValue("coll"), r.PathValue("doc"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var payload permission.Permissions
	if !s.decode(w, r, &payload) {
		return
	}
	m, err := s.svc.SetPermission(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), r.PathValue("doc"), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Kind permission.OwnershipKind `json:"kind"`
		To   string                   `json:"to"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	m, err := s.svc.TransferOwnership(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("coll"), r.PathValue("doc"), payload.Kind, payload.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Members     []string `json:"members"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	g, err := s.svc.CreateGroup(r.Context(), actorOf(r), r.PathValue("db"), payload.Name, payload.Description, payload.Members)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.GetGroup(r.Context(), r.PathValue("db"), r.PathValue("group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type membersPayload struct {
	Actors []string `json:"actors"`
}

func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	var payload membersPayload
	if !s.decode(w, r, &payload) {
		return
	}
	g, err := s.svc.AddGroupMembers(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("group"), payload.Actors)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRemoveMembers(w http.ResponseWriter, r *http.Request) {
	var payload membersPayload
	if !s.decode(w, r, &payload) {
		return
	}
	g, err := s.svc.RemoveGroupMembers(r.Context(), actorOf(r), r.PathValue("db"), r.PathValue("group"), payload.Actors)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	at, ok := s.atParam(w, r)
	if !ok {
		return
	}
	root, err := s.svc.GetRoot(r.Context(), r.PathValue("db"), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"root": root, "at": at})
}

func (s *Server) handleGetWitness(w http.ResponseWriter, r *http.Request) {
	at, ok := s.atParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "index must be a non-negative integer"})
		return
	}
	witness, err := s.svc.GetWitness(r.Context(), r.PathValue("db"), index, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"index": index, "witness": witness, "at": at})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	at, ok := s.atParam(w, r)
	if !ok {
		return
	}
	level, err := strconv.Atoi(r.PathValue("level"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "level must be an integer"})
		return
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "index must be a non-negative integer"})
		return
	}
	hash, err := s.svc.GetNode(r.Context(), r.PathValue("db"), level, index, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"level": level, "index": index, "hash": hash, "at": at})
}

func (s *Server) handleRollupState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.RollupState(r.Context(), r.PathValue("db"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRollupCreate(w http.ResponseWriter, r *http.Request) {
	created, tx, err := s.svc.RollupCreate(r.Context(), actorOf(r), r.PathValue("db"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, jsonResponse{"created": false})
		return
	}
	writeJSON(w, http.StatusCreated, jsonResponse{"created": true, "transaction": tx})
}

func (s *Server) handleOnChainRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.OnChainRecords(r.Context(), r.PathValue("db"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"records": records})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	tx, err := s.svc.Transaction(r.Context(), r.PathValue("db"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		SignedPayload hexutil.Bytes `json:"signedPayload"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	tx, err := s.svc.SubmitSignedTransaction(r.Context(), actorOf(r), r.PathValue("db"), id, payload.SignedPayload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleGetTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	t, err := s.svc.Transition(r.Context(), r.PathValue("db"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRecordProof(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		Proof hexutil.Bytes `json:"proof"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	rec, err := s.svc.RecordProof(r.Context(), actorOf(r), r.PathValue("db"), id, payload.Proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleProofTasks(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	tasks, err := s.svc.ProofTasks(r.Context(), r.PathValue("db"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"tasks": tasks})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// atParam reads the optional ?at= RFC 3339 timestamp; absent means now.
func (s *Server) atParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	value := r.URL.Query().Get("at")
	if value == "" {
		return time.Now(), true
	}
	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "at must be an RFC 3339 timestamp"})
		return time.Time{}, false
	}
	return at, true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(r, target); err != nil {
		s.log.WithField("path", r.URL.Path).WithError(err).Debug("decode error")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Class: dberr.ErrValidation.Error()})
		return false
	}
	return true
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	switch dberr.Class(err) {
	case dberr.ErrValidation:
		return http.StatusBadRequest
	case dberr.ErrPermissionDenied:
		return http.StatusForbidden
	case dberr.ErrNotFound:
		return http.StatusNotFound
	case dberr.ErrConflict:
		return http.StatusConflict
	case dberr.ErrExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, r.Context().Err()) {
		s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "status": status}).WithError(err).Error("request failed")
	}
	resp := errorResponse{Error: err.Error()}
	if class := dberr.Class(err); class != nil {
		resp.Class = class.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
