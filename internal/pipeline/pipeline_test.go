package pipeline_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/mri-api/internal/inference"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/model/modeltest"
	"github.com/Brownie44l1/mri-api/internal/pipeline"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

func solidJPEG(t testing.TB, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func newPipeline(t *testing.T, models pipeline.ModelSource) *pipeline.Pipeline {
	t.Helper()
	normalizer, err := preprocess.NewNormalizer(preprocess.DefaultOptions())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.New(models, normalizer, pipeline.Options{}, logger)
}

func request(data []byte, mediaType string) pipeline.Request {
	return pipeline.Request{Filename: "scan.jpg", MediaType: mediaType, Body: bytes.NewReader(data)}
}

func requireKind(t *testing.T, err error, kind pipeline.Kind) *pipeline.Error {
	t.Helper()
	var pe *pipeline.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, kind, pe.Kind, "error: %v", err)
	assert.NotEmpty(t, pe.Message)
	return pe
}

func TestClassify_SolidRedJPEG(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	res, err := p.Classify(context.Background(), request(solidJPEG(t, 224, 224, color.RGBA{R: 255, A: 255}), "image/jpeg"))
	require.NoError(t, err)

	assert.Equal(t, "scan.jpg", res.Filename)
	require.Len(t, res.ConfidenceScores, 4)
	for _, label := range model.DefaultLabels {
		assert.Contains(t, res.ConfidenceScores, label)
	}
	// the red channel dominates the channel-mean logits
	assert.Equal(t, "glioma", res.Prediction)
}

func TestClassify_ScoresAreADistribution(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	colors := []color.Color{
		color.RGBA{R: 255, A: 255},
		color.RGBA{G: 255, A: 255},
		color.RGBA{B: 200, G: 10, A: 255},
		color.RGBA{A: 255},
		color.RGBA{R: 255, G: 255, B: 255, A: 255},
	}

	for _, c := range colors {
		res, err := p.Classify(context.Background(), request(solidJPEG(t, 97, 311, c), "image/jpeg"))
		require.NoError(t, err)

		var sum, best float64
		bestLabel := ""
		for _, label := range model.DefaultLabels {
			s := res.ConfidenceScores[label]
			assert.GreaterOrEqual(t, s, 0.0)
			sum += s
			if bestLabel == "" || s > best {
				best, bestLabel = s, label
			}
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
		assert.Equal(t, bestLabel, res.Prediction)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))
	data := solidJPEG(t, 300, 200, color.RGBA{R: 30, G: 140, B: 90, A: 255})

	first, err := p.Classify(context.Background(), request(data, "image/jpeg"))
	require.NoError(t, err)
	second, err := p.Classify(context.Background(), request(data, "image/jpeg"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestClassify_RandomBytesAreRejected(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	data := make([]byte, 10_000)
	_, _ = rand.Read(data)

	res, err := p.Classify(context.Background(), request(data, "image/jpeg"))
	assert.Nil(t, res)
	pe := requireKind(t, err, pipeline.KindDecode)
	assert.Equal(t, pipeline.StageNormalized, pe.Stage)
	assert.Equal(t, pipeline.OutcomeRejectedInput, pipeline.OutcomeOf(err))
	assert.ErrorIs(t, err, preprocess.ErrDecode)
}

func TestClassify_UnsupportedMediaType(t *testing.T) {
	backend := &modeltest.Backend{}
	p := newPipeline(t, modeltest.ReadyStore(t, backend))

	body := &countingReader{r: bytes.NewReader(solidJPEG(t, 10, 10, color.White))}
	_, err := p.Classify(context.Background(), pipeline.Request{Filename: "notes.txt", MediaType: "text/plain", Body: body})

	pe := requireKind(t, err, pipeline.KindUnsupportedMediaType)
	assert.Equal(t, pipeline.StageTypeValidated, pe.Stage)
	assert.Equal(t, pipeline.OutcomeRejectedInput, pipeline.OutcomeOf(err))
	assert.Zero(t, body.n, "body must not be read before the type check")
	assert.Zero(t, backend.Calls.Load())
}

func TestClassify_PayloadTooLarge(t *testing.T) {
	backend := &modeltest.Backend{}
	p := newPipeline(t, modeltest.ReadyStore(t, backend))

	limit := pipeline.DefaultMaxUploadBytes
	valid := solidJPEG(t, 64, 64, color.White)

	tests := []struct {
		name string
		data []byte
	}{
		{"one byte over, garbage", bytes.Repeat([]byte{0xAB}, int(limit)+1)},
		{"valid jpeg padded past limit", append(append([]byte{}, valid...), make([]byte, int(limit))...)},
		{"10 MiB", make([]byte, 10*1024*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Classify(context.Background(), request(tt.data, "image/jpeg"))
			pe := requireKind(t, err, pipeline.KindPayloadTooLarge)
			assert.Equal(t, pipeline.StageSizeValidated, pe.Stage)
			assert.Equal(t, pipeline.OutcomePayloadTooLarge, pipeline.OutcomeOf(err))
			assert.Contains(t, pe.Message, "5 MB")
		})
	}
	assert.Zero(t, backend.Calls.Load())
}

func TestClassify_ExactlyAtLimitIsNotTooLarge(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	data := make([]byte, pipeline.DefaultMaxUploadBytes)
	_, err := p.Classify(context.Background(), request(data, "image/png"))
	requireKind(t, err, pipeline.KindDecode)
}

func TestClassify_ModelNotReady(t *testing.T) {
	p := newPipeline(t, model.NewStore())

	_, err := p.Classify(context.Background(), request(solidJPEG(t, 32, 32, color.White), "image/jpeg"))
	pe := requireKind(t, err, pipeline.KindModelUnavailable)
	assert.Equal(t, pipeline.StageInferred, pe.Stage)
	assert.Equal(t, pipeline.OutcomeUnavailable, pipeline.OutcomeOf(err))
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
}

func TestClassify_InputErrorsReportedBeforeReadiness(t *testing.T) {
	p := newPipeline(t, model.NewStore())

	_, err := p.Classify(context.Background(), request([]byte("not an image"), "image/png"))
	requireKind(t, err, pipeline.KindDecode)

	_, err = p.Classify(context.Background(), request([]byte("x"), "application/zip"))
	requireKind(t, err, pipeline.KindUnsupportedMediaType)
}

func TestClassify_AfterShutdown(t *testing.T) {
	store := model.NewStore()
	_, err := store.Initialize(context.Background(), modeltest.Spec(t), &modeltest.Backend{})
	require.NoError(t, err)
	p := newPipeline(t, store)

	require.NoError(t, store.Shutdown())

	_, err = p.Classify(context.Background(), request(solidJPEG(t, 32, 32, color.White), "image/jpeg"))
	requireKind(t, err, pipeline.KindModelUnavailable)
}

type staticSource struct{ m *model.Model }

func (s staticSource) Get() (*model.Model, error) { return s.m, nil }

func TestClassify_ModelClosedAfterGate(t *testing.T) {
	store := model.NewStore()
	m, err := store.Initialize(context.Background(), modeltest.Spec(t), &modeltest.Backend{})
	require.NoError(t, err)
	require.NoError(t, store.Shutdown())

	p := newPipeline(t, staticSource{m})
	_, err = p.Classify(context.Background(), request(solidJPEG(t, 32, 32, color.White), "image/jpeg"))
	requireKind(t, err, pipeline.KindModelUnavailable)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
}

func TestClassify_InferenceFailures(t *testing.T) {
	tests := []struct {
		name    string
		backend *modeltest.Backend
	}{
		{"runtime error", &modeltest.Backend{ForwardErr: errors.New("session run failed")}},
		{"panic", &modeltest.Backend{Panic: "boom"}},
		{"nan", &modeltest.Backend{Logits: func(*model.Tensor) []float32 {
			return []float32{float32(math.NaN()), 0, 0, 0}
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, modeltest.ReadyStore(t, tt.backend))

			res, err := p.Classify(context.Background(), request(solidJPEG(t, 32, 32, color.White), "image/jpeg"))
			assert.Nil(t, res)
			pe := requireKind(t, err, pipeline.KindInference)
			assert.Equal(t, pipeline.OutcomeInternal, pipeline.OutcomeOf(err))
			assert.ErrorIs(t, err, inference.ErrInference)
			assert.NotContains(t, pe.Message, "boom")
		})
	}
}

func TestClassify_CanceledContext(t *testing.T) {
	backend := &modeltest.Backend{}
	p := newPipeline(t, modeltest.ReadyStore(t, backend))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Classify(ctx, request(solidJPEG(t, 32, 32, color.White), "image/jpeg"))
	assert.Nil(t, res)
	requireKind(t, err, pipeline.KindCanceled)
	assert.Equal(t, pipeline.OutcomeCanceled, pipeline.OutcomeOf(err))
	assert.Zero(t, backend.Calls.Load())
}

func TestClassify_CanceledMidUpload(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	ctx, cancel := context.WithCancel(context.Background())
	body := &cancelingReader{data: solidJPEG(t, 128, 128, color.White), cancel: cancel}

	res, err := p.Classify(ctx, pipeline.Request{Filename: "scan.jpg", MediaType: "image/jpeg", Body: body})
	assert.Nil(t, res)
	requireKind(t, err, pipeline.KindCanceled)
}

func TestClassify_BrokenUpload(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	body := io.MultiReader(strings.NewReader("partial"), errReader{errors.New("connection reset")})
	_, err := p.Classify(context.Background(), pipeline.Request{Filename: "scan.jpg", MediaType: "image/jpeg", Body: body})
	requireKind(t, err, pipeline.KindDecode)
}

func TestClassify_BodyCapReportedAsTooLarge(t *testing.T) {
	backend := &modeltest.Backend{}
	p := newPipeline(t, modeltest.ReadyStore(t, backend))

	capped := fmt.Errorf("%w: http: request body too large", pipeline.ErrPayloadTooLarge)
	body := io.MultiReader(bytes.NewReader(make([]byte, 1024)), errReader{capped})
	_, err := p.Classify(context.Background(), pipeline.Request{Filename: "scan.jpg", MediaType: "image/jpeg", Body: body})

	pe := requireKind(t, err, pipeline.KindPayloadTooLarge)
	assert.Equal(t, pipeline.StageSizeValidated, pe.Stage)
	assert.Contains(t, pe.Message, "5 MB")
	assert.ErrorIs(t, err, pipeline.ErrPayloadTooLarge)
	assert.Zero(t, backend.Calls.Load())
}

func TestClassify_NilBody(t *testing.T) {
	p := newPipeline(t, modeltest.ReadyStore(t, &modeltest.Backend{}))

	_, err := p.Classify(context.Background(), pipeline.Request{Filename: "empty.png", MediaType: "image/png"})
	requireKind(t, err, pipeline.KindDecode)
}

func TestClassify_CustomLimit(t *testing.T) {
	normalizer, err := preprocess.NewNormalizer(preprocess.DefaultOptions())
	require.NoError(t, err)
	p := pipeline.New(modeltest.ReadyStore(t, &modeltest.Backend{}), normalizer, pipeline.Options{MaxUploadBytes: 100}, nil)
	assert.Equal(t, int64(100), p.MaxUploadBytes())

	_, err = p.Classify(context.Background(), request(make([]byte, 101), "image/jpeg"))
	requireKind(t, err, pipeline.KindPayloadTooLarge)
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, pipeline.KindInternal, pipeline.KindOf(errors.New("boom")))
	assert.Equal(t, pipeline.OutcomeSuccess, pipeline.OutcomeOf(nil))
	assert.Equal(t, pipeline.OutcomeInternal, pipeline.OutcomeOf(errors.New("boom")))
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += n
	return n, err
}

// cancelingReader returns a few bytes, then cancels the request context, the
// way a client disconnect surfaces mid-upload.
type cancelingReader struct {
	data   []byte
	cancel context.CancelFunc
	reads  int
}

func (c *cancelingReader) Read(b []byte) (int, error) {
	c.reads++
	if c.reads > 1 {
		c.cancel()
	}
	n := copy(b[:min(len(b), 16)], c.data)
	c.data = c.data[n:]
	if len(c.data) == 0 {
		return n, io.EOF
	}
	return n, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
