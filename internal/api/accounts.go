package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/internal/observe"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", job.ErrBadInput))
		return
	}
	owner, err := s.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("owner registered", "owner_id", owner.ID)
	writeJSON(w, http.StatusCreated, owner)
}

// handleLogin accepts the OAuth2 password form: username and password,
// form-encoded.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, r, fmt.Errorf("%w: invalid form body", job.ErrBadInput))
		return
	}
	tok, err := s.auth.Login(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, owner *job.Owner) {
	writeJSON(w, http.StatusOK, owner)
}

// handleDeleteMe removes the owner, all of their jobs and every file those
// jobs reference.
func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	ctx := r.Context()
	jobs, err := s.store.List(ctx, owner.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteOwner(ctx, owner.ID); err != nil {
		writeError(w, r, err)
		return
	}
	log := observe.Logger(ctx)
	for _, j := range jobs {
		s.cleanup(r, j)
	}
	log.Info("owner deleted", "owner_id", owner.ID, "jobs", len(jobs))
	w.WriteHeader(http.StatusNoContent)
}
