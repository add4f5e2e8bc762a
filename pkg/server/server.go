package server

import (
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pixperk/pagelock/pkg/pagestore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// largest page body accepted by PUT
const maxPageSize = 10 << 20

type Server struct {
	store *pagestore.Store
	locks *lock.Manager
	log   logrus.FieldLogger
}

// exposes the page store and its lock over HTTP
func NewServer(store *pagestore.Store, locks *lock.Manager, log logrus.FieldLogger) *Server {
	return &Server{
		store: store,
		locks: locks,
		log:   log,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /pages", s.listPages)
	mux.HandleFunc("GET /pages/{path...}", s.getPage)
	mux.HandleFunc("PUT /pages/{path...}", s.putPage)
	mux.HandleFunc("DELETE /pages/{path...}", s.deletePage)
	mux.HandleFunc("GET /lock", s.lockStatus)
	return mux
}

type ListPagesResponse struct {
	Pages []string `json:"pages"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	paths, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ListPagesResponse{Pages: paths})
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	content, err := s.store.Get(r.Context(), pagePath(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) putPage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Code: "too_large"})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
		return
	}

	page := pagePath(r)
	if err := s.store.Put(r.Context(), page, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithField("page", page).Info("page stored")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePage(w http.ResponseWriter, r *http.Request) {
	page := pagePath(r)
	if err := s.store.Delete(r.Context(), page); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithField("page", page).Info("page deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lockStatus(w http.ResponseWriter, r *http.Request) {
	lock, err := s.locks.Inspect(s.store.LockName())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lock)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(errors.WithStack(err)).Error("encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// /pages/blog/post addresses the page "/blog/post", /pages/ the root page
func pagePath(r *http.Request) string {
	return "/" + r.PathValue("path")
}
