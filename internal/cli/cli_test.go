package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/mri-api/internal/config"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/model/modeltest"
	"github.com/Brownie44l1/mri-api/internal/pipeline"
)

func newTestRoot(t *testing.T, backend *modeltest.Backend) (*RootCommand, *bytes.Buffer) {
	t.Helper()
	t.Setenv("MODEL_PATH", modeltest.WeightsFile(t))
	t.Setenv("OTEL_ENABLED", "false")

	root := NewRootCommand()
	root.SetBackend(func(*config.Config) model.Backend { return backend })

	buf := &bytes.Buffer{}
	root.Command().SetOut(buf)
	root.Command().SetErr(io.Discard)
	return root, buf
}

func writeImage(t *testing.T, name string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestNewRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	names := make([]string, 0)
	for _, c := range root.Command().Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"version", "serve", "predict", "check-model"}, names)
	assert.NotNil(t, root.Command().PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.Command().PersistentFlags().ShorthandLookup("o"))
}

func TestVersionCommand(t *testing.T) {
	root, buf := newTestRoot(t, &modeltest.Backend{})
	root.Command().SetArgs([]string{"version", "-o", "json"})
	require.NoError(t, root.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, GetVersion(), info["version"])
	assert.Contains(t, info, "gitCommit")
}

func TestVersionCommand_Text(t *testing.T) {
	root, buf := newTestRoot(t, &modeltest.Backend{})
	root.Command().SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "mri-api version")
}

func TestUnknownOutputFormat(t *testing.T) {
	root, _ := newTestRoot(t, &modeltest.Backend{})
	root.Command().SetArgs([]string{"version", "-o", "table"})
	assert.Error(t, root.Execute())
}

func TestPredictCommand_JSON(t *testing.T) {
	root, buf := newTestRoot(t, &modeltest.Backend{})
	path := writeImage(t, "red.png", color.RGBA{R: 255, A: 255})

	root.Command().SetArgs([]string{"predict", "-o", "json", path})
	require.NoError(t, root.Execute())

	var results []pipeline.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "red.png", results[0].Filename)
	assert.Equal(t, "glioma", results[0].Prediction)
	assert.Len(t, results[0].ConfidenceScores, 4)
}

func TestPredictCommand_YAML(t *testing.T) {
	root, buf := newTestRoot(t, &modeltest.Backend{})
	path := writeImage(t, "green.png", color.RGBA{G: 255, A: 255})

	root.Command().SetArgs([]string{"predict", "-o", "yaml", path})
	require.NoError(t, root.Execute())

	var results []pipeline.Result
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "meningioma", results[0].Prediction)
}

func TestPredictCommand_Text(t *testing.T) {
	root, buf := newTestRoot(t, &modeltest.Backend{})
	path := writeImage(t, "scan.png", color.RGBA{R: 255, A: 255})

	root.Command().SetArgs([]string{"predict", path})
	require.NoError(t, root.Execute())

	out := buf.String()
	assert.Contains(t, out, "scan.png: glioma")
	assert.Contains(t, out, "pituitary")
	assert.Contains(t, out, "%")
}

func TestPredictCommand_PartialFailure(t *testing.T) {
	root, buf := newTestRoot(t, &modeltest.Backend{})
	good := writeImage(t, "scan.png", color.White)
	bad := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte("hello"), 0o600))

	root.Command().SetArgs([]string{"predict", "-o", "json", good, bad})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	var results []pipeline.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	assert.Len(t, results, 1)
}

func TestPredictCommand_RequiresArgs(t *testing.T) {
	root, _ := newTestRoot(t, &modeltest.Backend{})
	root.Command().SetArgs([]string{"predict"})
	assert.Error(t, root.Execute())
}

func TestCheckModelCommand(t *testing.T) {
	backend := &modeltest.Backend{}
	root, buf := newTestRoot(t, backend)

	root.Command().SetArgs([]string{"check-model", "-o", "yaml"})
	require.NoError(t, root.Execute())

	var report ModelReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, "efficientnet_b0", report.Architecture)
	assert.Equal(t, []int64{1, 3, 224, 224}, report.InputShape)
	assert.Equal(t, []int64{1, 4}, report.OutputShape)
	assert.Equal(t, model.DefaultLabels, report.Labels)
	assert.Len(t, report.Digest, 64)
	assert.EqualValues(t, 1, backend.Calls.Load())
	assert.True(t, backend.Closed.Load())
}

func TestCheckModelCommand_LoadFailure(t *testing.T) {
	root, _ := newTestRoot(t, &modeltest.Backend{OpenErr: errors.New("bad graph")})

	root.Command().SetArgs([]string{"check-model"})
	err := root.Execute()
	require.Error(t, err)

	var le *model.LoadError
	assert.ErrorAs(t, err, &le)
}

func TestCheckModelCommand_MissingWeights(t *testing.T) {
	root, _ := newTestRoot(t, &modeltest.Backend{})
	t.Setenv("MODEL_PATH", filepath.Join(t.TempDir(), "missing.onnx"))

	root.Command().SetArgs([]string{"check-model"})
	assert.Error(t, root.Execute())
}

func TestMediaTypeFor(t *testing.T) {
	tests := map[string]string{
		"scan.jpg":     "image/jpeg",
		"scan.JPEG":    "image/jpeg",
		"scan.png":     "image/png",
		"scan.bmp":     "image/bmp",
		"scan.tif":     "image/tiff",
		"scan.webp":    "image/webp",
		"scan.gif":     "image/gif",
		"notes.txt":    "application/octet-stream",
		"no-extension": "application/octet-stream",
	}
	for path, want := range tests {
		assert.Equal(t, want, mediaTypeFor(path), path)
	}
}

func TestRunServe(t *testing.T) {
	backend := &modeltest.Backend{}
	root, _ := newTestRoot(t, backend)

	cfg, err := config.Load("")
	require.NoError(t, err)
	root.cfg = cfg

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, root, ln) }()

	req, err := http.NewRequest(http.MethodGet, url+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://viewer.example")

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, backend.Closed.Load())
}

func TestRunServe_ModelLoadFailureIsFatal(t *testing.T) {
	root, _ := newTestRoot(t, &modeltest.Backend{OpenErr: errors.New("bad graph")})

	cfg, err := config.Load("")
	require.NoError(t, err)
	root.cfg = cfg

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = runServe(context.Background(), root, ln)
	var le *model.LoadError
	assert.ErrorAs(t, err, &le)
}
