package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/pocwisper/internal/document"
	"github.com/MrWong99/pocwisper/internal/events"
	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/internal/observe"
)

// jobID parses the {id} path value. Anything that is not a positive integer
// cannot name a job and is reported as not found.
func jobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, job.ErrNotFound
	}
	return id, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, err)
			return
		}
		writeError(w, r, fmt.Errorf("%w: expected a multipart form", job.ErrBadInput))
		return
	}
	defer r.MultipartForm.RemoveAll()

	title := strings.TrimSpace(r.FormValue("title"))
	var errs []error
	if title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	date, err := ParseDate(r.FormValue("date"))
	if err != nil {
		errs = append(errs, err)
	}
	file, header, err := r.FormFile("audio_file")
	if err != nil {
		errs = append(errs, errors.New("audio_file is required"))
	} else {
		defer file.Close()
	}
	if len(errs) > 0 {
		writeError(w, r, fmt.Errorf("%w: %w", job.ErrBadInput, errors.Join(errs...)))
		return
	}

	path, err := s.files.SaveAudio(owner.ID, header.Filename, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	j := &job.Job{
		OwnerID:       owner.ID,
		Title:         title,
		Date:          date,
		AudioFilePath: path,
		Status:        job.StatusPending,
	}
	if hint := r.FormValue("initial_prompt"); strings.TrimSpace(hint) != "" {
		j.InitialPrompt = job.Ptr(hint)
	}
	if err := s.store.Create(ctx, j); err != nil {
		if rmErr := s.files.Remove(path); rmErr != nil {
			observe.Logger(ctx).Warn("could not remove orphaned upload", "path", path, "err", rmErr)
		}
		writeError(w, r, err)
		return
	}

	s.metrics.RecordUpload(ctx, header.Size)
	observe.Logger(ctx).Info("transcription created", "job_id", j.ID, "owner_id", owner.ID, "bytes", header.Size)
	writeJSON(w, http.StatusCreated, j)
}

type processResponse struct {
	Status  job.Status `json:"status"`
	Message string     `json:"message"`
}

// handleProcess runs the whole pipeline before answering.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.processor.Process(r.Context(), owner.ID, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{
		Status:  job.StatusCompleted,
		Message: "Transcription processed successfully",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	jobs, err := s.store.List(r.Context(), owner.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	j, ok := s.lookup(w, r, owner)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	j, ok := s.lookup(w, r, owner)
	if !ok {
		return
	}
	if j.DocumentPath == nil {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	f, err := os.Open(*j.DocumentPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeDetail(w, http.StatusNotFound, "Document not found")
			return
		}
		writeError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := filepath.Base(*j.DocumentPath)
	w.Header().Set("Content-Type", document.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	j, ok := s.lookup(w, r, owner)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), owner.ID, j.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.cleanup(r, j)
	observe.Logger(r.Context()).Info("transcription deleted", "job_id", j.ID, "owner_id", owner.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams status changes of one job over a websocket. The
// current status is sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	if s.hub == nil {
		writeDetail(w, http.StatusNotFound, "Event streaming is disabled")
		return
	}
	id, err := jobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Subscribe before reading the record so no change between the two is lost.
	ch, cancel := s.hub.Subscribe(owner.ID, id)
	defer cancel()

	j, err := s.store.Get(r.Context(), owner.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	initial := events.Event{JobID: j.ID, OwnerID: j.OwnerID, Status: j.Status, Time: time.Now().UTC()}
	if err := events.Stream(w, r, initial, ch, originHosts(s.origins)); err != nil {
		observe.Logger(r.Context()).Debug("event stream ended", "job_id", id, "err", err)
	}
}

type searchResponse struct {
	Query string      `json:"query"`
	Hits  []searchHit `json:"hits"`
}

type searchHit struct {
	JobID    int64   `json:"job_id"`
	Title    string  `json:"title"`
	Seq      int     `json:"seq"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// handleSearch runs a semantic query over the caller's refined transcripts.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, owner *job.Owner) {
	if s.searcher == nil {
		writeDetail(w, http.StatusNotFound, "Search is disabled")
		return
	}
	q := r.URL.Query().Get("q")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: limit must be an integer", job.ErrBadInput))
			return
		}
		limit = n
	}
	hits, err := s.searcher.Query(r.Context(), owner.ID, q, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	titles := make(map[int64]string)
	resp := searchResponse{Query: q, Hits: make([]searchHit, 0, len(hits))}
	for _, h := range hits {
		title, ok := titles[h.JobID]
		if !ok {
			j, err := s.store.Get(r.Context(), owner.ID, h.JobID)
			if err != nil {
				// Deleted between indexing and now.
				continue
			}
			title = j.Title
			titles[h.JobID] = title
		}
		resp.Hits = append(resp.Hits, searchHit{
			JobID:    h.JobID,
			Title:    title,
			Seq:      h.Seq,
			Content:  h.Content,
			Distance: h.Distance,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup loads the job named by the path and writes the error response when
// that fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, owner *job.Owner) (*job.Job, bool) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	j, err := s.store.Get(r.Context(), owner.ID, id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return j, true
}

// cleanup removes the files and search entries of a deleted job. Failures are
// logged; the record is already gone.
func (s *Server) cleanup(r *http.Request, j *job.Job) {
	log := observe.Logger(r.Context())
	paths := []string{j.AudioFilePath}
	if j.DocumentPath != nil {
		paths = append(paths, *j.DocumentPath)
	}
	if err := s.files.Remove(paths...); err != nil {
		log.Warn("could not remove job files", "job_id", j.ID, "err", err)
	}
	if s.searcher != nil {
		if err := s.searcher.Remove(r.Context(), j.OwnerID, j.ID); err != nil {
			log.Warn("could not remove job from search index", "job_id", j.ID, "err", err)
		}
	}
}
