package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/mri-api/internal/logger"
	"github.com/Brownie44l1/mri-api/internal/metrics"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/pipeline"
)

// FileField is the multipart form field carrying the upload.
const FileField = "file"

// multipartOverhead is slack on top of the upload limit for boundaries, part
// headers and small form fields.
const multipartOverhead = 1 << 20

// StatusClientClosedRequest is logged when the caller disconnected.
const StatusClientClosedRequest = 499

// Readiness reports the model lifecycle. *model.Store implements it.
type Readiness interface {
	State() model.State
	Get() (*model.Model, error)
}

type Options struct {
	// Workers bounds concurrent predictions; 0 means unbounded.
	Workers int
	Metrics *metrics.RequestMetrics
	Logger  *slog.Logger
}

type Handler struct {
	pipeline *pipeline.Pipeline
	models   Readiness
	workers  *semaphore.Weighted
	metrics  *metrics.RequestMetrics
	logger   *slog.Logger
}

func NewHandler(p *pipeline.Pipeline, models Readiness, opts Options) *Handler {
	h := &Handler{
		pipeline: p,
		models:   models,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if opts.Workers > 0 {
		h.workers = semaphore.NewWeighted(int64(opts.Workers))
	}
	if h.metrics == nil {
		h.metrics = metrics.NewRequestMetrics()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.Health)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /metrics", h.Metrics)
	mux.HandleFunc("POST /predict", h.Predict)
	return mux
}

type ModelInfo struct {
	Architecture string   `json:"architecture"`
	Version      string   `json:"version"`
	Labels       []string `json:"labels"`
}

type HealthResponse struct {
	Status  string     `json:"status"`
	Message string     `json:"message"`
	Model   *ModelInfo `json:"model,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	m, err := h.models.Get()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unavailable",
			Message: fmt.Sprintf("Model is %s.", h.models.State()),
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Message: "Brain Tumor Classifier API is active.",
		Model: &ModelInfo{
			Architecture: string(m.Architecture()),
			Version:      m.Version(),
			Labels:       m.Labels(),
		},
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	done := h.metrics.Start()
	log := logger.WithContext(r.Context(), h.logger)

	if h.workers != nil {
		if err := h.workers.Acquire(r.Context(), 1); err != nil {
			done(string(pipeline.OutcomeCanceled), true)
			log.Warn("client left while waiting for a worker", "error", err)
			return
		}
		defer h.workers.Release(1)
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.pipeline.MaxUploadBytes()+multipartOverhead)

	req, err := h.upload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			done(string(pipeline.OutcomePayloadTooLarge), true)
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body is too large.")
			return
		}
		msg := "The upload could not be read."
		var ue *uploadError
		if errors.As(err, &ue) {
			msg = ue.msg
		}
		done(string(pipeline.OutcomeRejectedInput), true)
		log.Warn("invalid upload", "error", err)
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", msg)
		return
	}

	res, err := h.pipeline.Classify(r.Context(), req)
	outcome := pipeline.OutcomeOf(err)
	done(string(outcome), err != nil)
	if err != nil {
		var pe *pipeline.Error
		msg := "An internal server error occurred processing your request."
		if errors.As(err, &pe) {
			msg = pe.Message
		}
		status, code := statusFor(outcome)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// uploadError is a malformed request; msg is safe to show the client.
type uploadError struct {
	msg string
	err error
}

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

var errNoFile = errors.New("no file part")

// upload finds the file part without buffering the request body.
func (h *Handler) upload(r *http.Request) (pipeline.Request, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return pipeline.Request{}, &uploadError{msg: "Expected a multipart/form-data upload.", err: err}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return pipeline.Request{}, &uploadError{
				msg: fmt.Sprintf("No file provided. Use '%s' as the form field name.", FileField),
				err: errNoFile,
			}
		}
		if err != nil {
			return pipeline.Request{}, err
		}
		if part.FormName() != FileField {
			continue
		}
		return pipeline.Request{
			Filename:  part.FileName(),
			MediaType: part.Header.Get("Content-Type"),
			Body:      partReader{part},
		}, nil
	}
}

// partReader hides multipart.Part's other methods from the pipeline and
// reports the request body cap as pipeline.ErrPayloadTooLarge, so a file that
// follows large form fields is still rejected as too large.
type partReader struct{ p *multipart.Part }

func (pr partReader) Read(b []byte) (int, error) {
	n, err := pr.p.Read(b)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = fmt.Errorf("%w: %w", pipeline.ErrPayloadTooLarge, err)
	}
	return n, err
}

func statusFor(outcome pipeline.Outcome) (int, string) {
	switch outcome {
	case pipeline.OutcomeRejectedInput:
		return http.StatusBadRequest, "INVALID_INPUT"
	case pipeline.OutcomePayloadTooLarge:
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case pipeline.OutcomeUnavailable:
		return http.StatusServiceUnavailable, "MODEL_UNAVAILABLE"
	case pipeline.OutcomeCanceled:
		return StatusClientClosedRequest, "CANCELED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorInfo{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
