package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/eventstore"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
	"git.home.luguber.info/inful/pkgbuildd/internal/server/responses"
)

const (
	defaultLogTail = 64 << 10
	maxLogTail     = 16 << 20
	// maxRequestBody bounds POST /build.
	maxRequestBody = 1 << 20
)

// Builder is the build slot driven by the API.
type Builder interface {
	StartBuild(req builder.Request) error
	Abort() error
	Clean() error
	Status() builder.Snapshot
	LogTail(n int64) ([]byte, error)
}

// FileCache stores build inputs and results by checksum.
type FileCache interface {
	Open(sum string) (*os.File, error)
	Put(r io.Reader) (string, error)
}

// History lists finished builds.
type History interface {
	GetHistory() []eventstore.BuildSummary
}

// BuilderHandlers serves the build control endpoints.
type BuilderHandlers struct {
	builder      Builder
	files        FileCache
	history      History
	errorAdapter *errors.HTTPErrorAdapter
	logger       *slog.Logger
	// MaxUpload bounds file uploads; zero means unlimited.
	MaxUpload int64
}

// NewBuilderHandlers creates the handlers. history may be nil.
func NewBuilderHandlers(b Builder, files FileCache, history History, logger *slog.Logger) *BuilderHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuilderHandlers{
		builder:      b,
		files:        files,
		history:      history,
		errorAdapter: errors.NewHTTPErrorAdapter(logger),
		logger:       logger,
	}
}

// HandleStatus reports the builder snapshot.
func (h *BuilderHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, h.builder.Status())
}

// HandleBuild starts a build from a JSON request body. A missing build id
// is assigned.
func (h *BuilderHandlers) HandleBuild(w http.ResponseWriter, r *http.Request) {
	var req builder.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			errors.WrapError(err, errors.CategoryValidation, "invalid build request").Build())
		return
	}
	if req.BuildID == "" {
		req.BuildID = uuid.NewString()
	}
	if err := h.builder.StartBuild(req); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.respond(w, r, http.StatusAccepted, responses.BuildAcceptedResponse{Status: "accepted", BuildID: req.BuildID})
}

// HandleAbort aborts the running build.
func (h *BuilderHandlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.builder.Abort(); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, responses.ActionResponse{
		Status:        "aborting",
		BuilderStatus: string(h.builder.Status().Status),
	})
}

// HandleClean returns a finished builder to IDLE.
func (h *BuilderHandlers) HandleClean(w http.ResponseWriter, r *http.Request) {
	if err := h.builder.Clean(); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, responses.ActionResponse{
		Status:        "cleaned",
		BuilderStatus: string(h.builder.Status().Status),
	})
}

// HandleLog returns the tail of the build log; ?bytes=N selects its size.
func (h *BuilderHandlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	n := int64(defaultLogTail)
	if raw := r.URL.Query().Get("bytes"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 || v > maxLogTail {
			h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("invalid bytes parameter").
				WithContext("bytes", raw).
				WithContext("max", maxLogTail).
				Build())
			return
		}
		n = v
	}
	tail, err := h.builder.LogTail(n)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(tail); err != nil {
		h.logger.Debug("Log download interrupted", logfields.Error(err))
	}
}

// HandleGetFile streams a cached file by checksum.
func (h *BuilderHandlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	sum := r.PathValue("sha1")
	f, err := h.files.Open(sum)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			errors.WrapError(err, errors.CategoryFileSystem, "stat cache object").Build())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, sum, info.ModTime(), f)
}

// HandlePutFile stores the request body in the file cache. When ?sha1= is
// given the stored checksum must match it.
func (h *BuilderHandlers) HandlePutFile(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if h.MaxUpload > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxUpload)
	}
	sum, err := h.files.Put(body)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if want := r.URL.Query().Get("sha1"); want != "" && want != sum {
		h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("checksum mismatch").
			WithContext("expected", want).
			WithContext("actual", sum).
			Build())
		return
	}
	h.logger.Debug("File stored", logfields.SHA1(sum))
	h.respond(w, r, http.StatusCreated, responses.FileStoredResponse{SHA1: sum})
}

// HandleHistory lists finished builds, newest first.
func (h *BuilderHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	resp := responses.HistoryResponse{Builds: []eventstore.BuildSummary{}}
	if h.history != nil {
		resp.Builds = h.history.GetHistory()
	}
	h.respond(w, r, http.StatusOK, resp)
}

func (h *BuilderHandlers) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSON(w, r, status, v); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			errors.WrapError(err, errors.CategoryInternal, "failed to write response").Build())
	}
}
