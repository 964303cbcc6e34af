// Package pipeline orchestrates a classification request: type check, size
// check, normalization, inference and response assembly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Brownie44l1/mri-api/internal/inference"
	"github.com/Brownie44l1/mri-api/internal/logger"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

const tracerName = "github.com/Brownie44l1/mri-api/internal/pipeline"

// DefaultMaxUploadBytes is the payload ceiling (5 MiB).
const DefaultMaxUploadBytes int64 = 5 * 1024 * 1024

// ModelSource hands out the ready model. *model.Store implements it.
type ModelSource interface {
	Get() (*model.Model, error)
}

// Request is an upload as delivered by the transport.
type Request struct {
	Filename  string
	MediaType string
	Body      io.Reader
}

type Options struct {
	MaxUploadBytes int64
}

type Pipeline struct {
	models     ModelSource
	normalizer *preprocess.Normalizer
	maxUpload  int64
	logger     *slog.Logger
	tracer     trace.Tracer
}

func New(models ModelSource, normalizer *preprocess.Normalizer, opts Options, logger *slog.Logger) *Pipeline {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		models:     models,
		normalizer: normalizer,
		maxUpload:  opts.MaxUploadBytes,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

func (p *Pipeline) MaxUploadBytes() int64 { return p.maxUpload }

// Timings records how long each stage took.
type Timings struct {
	Read      time.Duration
	Normalize time.Duration
	Inference time.Duration
	Total     time.Duration
}

// run is the per-request state. It is never shared between requests.
type run struct {
	req     Request
	stage   Stage
	bytes   int
	timings Timings
	model   *model.Model
}

// Classify drives req through every stage. On failure the returned error is
// always a *Error; no partial result is ever returned.
func (p *Pipeline) Classify(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Classify", trace.WithAttributes(
		attribute.String("upload.filename", req.Filename),
		attribute.String("upload.media_type", req.MediaType),
	))
	defer span.End()

	r := &run{req: req, stage: StageReceivedRaw}

	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &Error{
				Kind:    KindInternal,
				Stage:   r.stage.next(),
				Message: msgInternal,
				Err:     fmt.Errorf("panic: %v", rec),
			}
			logger.WithContext(ctx, p.logger).Error("pipeline panic recovered",
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
		r.timings.Total = time.Since(start)
		p.finish(ctx, span, r, res, err)
	}()

	res, err = p.classify(ctx, r)
	return res, err
}

func (p *Pipeline) classify(ctx context.Context, r *run) (*Result, error) {
	if err := preprocess.CheckMediaType(r.req.MediaType); err != nil {
		return nil, p.fail(r, KindUnsupportedMediaType, msgUnsupportedMediaType, err)
	}
	r.stage = StageTypeValidated

	data, err := p.read(ctx, r)
	if err != nil {
		return nil, err
	}
	r.stage = StageSizeValidated

	tensor, err := p.normalize(ctx, r, data)
	if err != nil {
		return nil, err
	}
	r.stage = StageNormalized

	pred, err := p.infer(ctx, r, tensor)
	if err != nil {
		return nil, err
	}
	r.stage = StageInferred

	result := Assemble(r.req.Filename, pred)
	r.stage = StageAssembled

	if err := ctx.Err(); err != nil {
		return nil, p.fail(r, KindCanceled, msgCanceled, err)
	}
	r.stage = StageResponded
	return &result, nil
}

func (p *Pipeline) read(ctx context.Context, r *run) ([]byte, error) {
	_, span := p.tracer.Start(ctx, "pipeline.read")
	defer span.End()
	start := time.Now()
	defer func() { r.timings.Read = time.Since(start) }()

	if r.req.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(contextReader{ctx: ctx, r: r.req.Body}, p.maxUpload+1))
	r.bytes = len(data)
	span.SetAttributes(attribute.Int("upload.bytes", len(data)))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, p.fail(r, KindCanceled, msgCanceled, ctxErr)
		}
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, p.fail(r, KindPayloadTooLarge, msgTooLarge(p.maxUpload), fmt.Errorf("read upload: %w", err))
		}
		return nil, p.fail(r, KindDecode, msgUnreadable, fmt.Errorf("read upload: %w", err))
	}
	if int64(len(data)) > p.maxUpload {
		return nil, p.fail(r, KindPayloadTooLarge, msgTooLarge(p.maxUpload),
			fmt.Errorf("payload exceeds %d bytes", p.maxUpload))
	}
	return data, nil
}

func (p *Pipeline) normalize(ctx context.Context, r *run, data []byte) (*model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.fail(r, KindCanceled, msgCanceled, err)
	}

	_, span := p.tracer.Start(ctx, "pipeline.normalize")
	defer span.End()
	start := time.Now()
	defer func() { r.timings.Normalize = time.Since(start) }()

	tensor, err := p.normalizer.Normalize(data, r.req.MediaType)
	switch {
	case err == nil:
		return tensor, nil
	case errors.Is(err, preprocess.ErrUnsupportedMediaType):
		return nil, p.fail(r, KindUnsupportedMediaType, msgUnsupportedMediaType, err)
	case errors.Is(err, preprocess.ErrDecode):
		return nil, p.fail(r, KindDecode, msgDecode, err)
	default:
		return nil, p.fail(r, KindInternal, msgInternal, err)
	}
}

func (p *Pipeline) infer(ctx context.Context, r *run, tensor *model.Tensor) (*inference.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.fail(r, KindCanceled, msgCanceled, err)
	}

	m, err := p.models.Get()
	if err != nil {
		return nil, p.fail(r, KindModelUnavailable, msgModelUnavailable, err)
	}
	r.model = m

	ctx, span := p.tracer.Start(ctx, "pipeline.infer", trace.WithAttributes(
		attribute.String("model.version", m.Version()),
	))
	defer span.End()
	start := time.Now()
	defer func() { r.timings.Inference = time.Since(start) }()

	pred, err := inference.Infer(ctx, m, tensor)
	switch {
	case err == nil:
		return pred, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, p.fail(r, KindCanceled, msgCanceled, err)
	case errors.Is(err, model.ErrModelUnavailable):
		return nil, p.fail(r, KindModelUnavailable, msgModelUnavailable, err)
	default:
		return nil, p.fail(r, KindInference, msgInternal, err)
	}
}

func (p *Pipeline) fail(r *run, kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Stage: r.stage.next(), Message: msg, Err: cause}
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, r *run, res *Result, err error) {
	attrs := []any{
		"filename", r.req.Filename,
		"media_type", r.req.MediaType,
		"bytes", r.bytes,
		"stage", r.stage.String(),
		"read", r.timings.Read,
		"normalize", r.timings.Normalize,
		"inference", r.timings.Inference,
		"total", r.timings.Total,
	}
	if r.model != nil {
		attrs = append(attrs, "model", r.model.Version())
	}
	log := logger.WithContext(ctx, p.logger)

	if err == nil {
		span.SetAttributes(attribute.String("prediction", res.Prediction))
		log.Info("prediction succeeded", append(attrs, "prediction", res.Prediction)...)
		return
	}

	kind := KindOf(err)
	span.SetAttributes(attribute.String("error.kind", kind.String()))
	span.SetStatus(codes.Error, kind.String())
	attrs = append(attrs, "kind", kind.String(), "error", err)

	switch kind.Outcome() {
	case OutcomeInternal:
		span.RecordError(err)
		log.Error("prediction failed", attrs...)
	case OutcomeUnavailable:
		log.Error("prediction refused", attrs...)
	default:
		log.Warn("prediction rejected", attrs...)
	}
}

// contextReader stops reading once ctx is done, so an abandoned upload is
// not drained to the end.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
