// Package server exposes the card service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"result-cards/internal/carddata"
	"result-cards/internal/cardtpl"
	"result-cards/internal/designs"
	"result-cards/internal/dispatch"
	"result-cards/internal/imagecache"
	"result-cards/internal/screenshot"
)

var (
	// ErrBadRequest marks a request with missing or malformed parameters.
	ErrBadRequest = errors.New("bad request")

	// ErrNothingCached means a contact sheet has no cards to show.
	ErrNothingCached = errors.New("no cached cards")
)

// Renderer makes sure a card exists on disk.
type Renderer interface {
	Ensure(ctx context.Context, k imagecache.Key) (string, error)
}

// Designs renders template pages and tells their sizes.
type Designs interface {
	Check(name string) error
	Aggregate(name string) bool
	Key(name, event, participant string) imagecache.Key
	Page(ctx context.Context, name, event, participant string) (string, error)
	Size(ctx context.Context, name, event, participant string) (designs.Size, error)
}

// Dispatcher queues dispatch jobs.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Future, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Cache      *imagecache.Cache
	Renderer   Renderer
	Designs    Designs
	Dispatcher Dispatcher
	// PublicDir holds static files and fonts.
	PublicDir string
	Log       *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
}

// New returns a Server over d.
func New(d Deps) *Server {
	return &Server{Deps: d}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/images", s.handleImage()).Methods(http.MethodGet)
	r.HandleFunc("/images/{template}/{event}/{participant}", s.handleDispatch()).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/images/{rest:.+}", s.handleMalformedDispatch()).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/template/{name}/image", s.handlePage()).Methods(http.MethodGet)
	r.HandleFunc("/template/{name}/imageSize", s.handleSize()).Methods(http.MethodGet)
	r.HandleFunc("/sheets/{template}/{event}.png", s.handleSheet()).Methods(http.MethodGet)

	static := http.FileServer(http.Dir(s.PublicDir))
	r.PathPrefix("/fonts/").Handler(longCache(static))
	r.PathPrefix("/").Handler(static)
	return r
}

// longCache lets the browser keep fonts across captures.
func longCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		next.ServeHTTP(w, r)
	})
}

// ///////////////////////////////////////////////
// Handlers
// ///////////////////////////////////////////////

// handleImage serves /images?file=..., rendering the card on a miss.
func (s *Server) handleImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := imagecache.ParseFilename(r.URL.Query().Get("file"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !s.Designs.Aggregate(k.Template) && k.Aggregate() {
			s.writeError(w, r, imagecache.ErrBadFilename)
			return
		}
		k = s.Designs.Key(k.Template, k.Event, k.Participant)

		path, err := s.Renderer.Ensure(r.Context(), k)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, path)
	}
}

// handleDispatch queues a dispatch job and answers with its batch once it
// has finished.
func (s *Server) handleDispatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := mux.Vars(r)
		req := dispatch.Request{Template: v["template"], Event: v["event"], Participant: v["participant"]}
		if _, err := dispatch.ModeOf(req.Event, req.Participant); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.Designs.Check(req.Template); err != nil {
			s.writeError(w, r, err)
			return
		}

		fut, err := s.Dispatcher.Submit(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		batch, err := fut.Wait(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

// handleMalformedDispatch answers dispatch paths with a missing or extra
// segment, which would otherwise fall through to the static files.
func (s *Server) handleMalformedDispatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errors.Join(ErrBadRequest, errors.New("want /images/{template}/{event}/{participant}")))
	}
}

// handlePage serves the filled template the browser screenshots.
func (s *Server) handlePage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, event, participant, err := s.pageParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		page, err := s.Designs.Page(r.Context(), name, event, participant)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	}
}

// handleSize answers with the viewport of a card.
func (s *Server) handleSize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, event, participant, err := s.pageParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		size, err := s.Designs.Size(r.Context(), name, event, participant)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, size)
	}
}

// handleSheet serves a grid of every cached card of one event.
func (s *Server) handleSheet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := mux.Vars(r)
		keys, err := s.Cache.List(v["template"], v["event"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(keys) == 0 {
			s.writeError(w, r, ErrNothingCached)
			return
		}
		png, err := composeSheet(s.Cache, keys)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}

func (s *Server) pageParams(r *http.Request) (name, event, participant string, err error) {
	q := r.URL.Query()
	name, event, participant = mux.Vars(r)["name"], q.Get("event"), q.Get("participant")
	if event == "" {
		return "", "", "", errors.Join(ErrBadRequest, errors.New("missing event"))
	}
	if participant == "" && !s.Designs.Aggregate(name) {
		return "", "", "", errors.Join(ErrBadRequest, errors.New("missing participant"))
	}
	return name, event, participant, nil
}

// ///////////////////////////////////////////////
// Responses
// ///////////////////////////////////////////////

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps an error to its status. Internal details only go to the
// log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.Log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.Log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func classify(err error) (int, string) {
	// A card page that failed inside the browser keeps its own 4xx class.
	var pe *screenshot.PageError
	if errors.As(err, &pe) {
		switch pe.Status {
		case http.StatusBadRequest:
			err = ErrBadRequest
		case http.StatusNotFound:
			return http.StatusNotFound, "No se encontró la información del evento"
		}
	}

	switch {
	case errors.Is(err, imagecache.ErrBadFilename),
		errors.Is(err, dispatch.ErrBadRequest),
		errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "Sintaxis no válida"
	case errors.Is(err, cardtpl.ErrTemplateNotFound):
		return http.StatusNotFound, "No se encontró el template"
	case errors.Is(err, carddata.ErrParticipantNotFound):
		return http.StatusNotFound, "No se encontró el participante"
	case errors.Is(err, carddata.ErrAssetNotFound):
		return http.StatusNotFound, "No se encontró la imagen del equipo"
	case errors.Is(err, carddata.ErrNoStandings), errors.Is(err, dispatch.ErrNoResults):
		return http.StatusNotFound, "No se encontró la información del evento"
	case errors.Is(err, designs.ErrSizeNotFound):
		return http.StatusNotFound, "No se encontró el tamaño"
	case errors.Is(err, ErrNothingCached):
		return http.StatusNotFound, "No hay imágenes generadas"
	default:
		return http.StatusInternalServerError, "Error interno del servidor"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ///////////////////////////////////////////////
// Middleware
// ///////////////////////////////////////////////

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start).Round(time.Millisecond))
	})
}
