package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXBackend runs exported graphs with ONNX Runtime. Sessions are
// inference-only, so no gradient state is ever kept between requests.
type ONNXBackend struct {
	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

func (b ONNXBackend) Open(_ context.Context, spec Spec) (Runtime, error) {
	if err := acquireEnvironment(b.LibraryPath); err != nil {
		return nil, err
	}

	rt, err := newONNXRuntime(spec)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return rt, nil
}

type onnxRuntime struct {
	session     *ort.DynamicAdvancedSession
	outputShape ort.Shape
	closeOnce   sync.Once
}

func newONNXRuntime(spec Spec) (*onnxRuntime, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(spec.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect graph: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected 1 input and 1 output, graph has %d and %d", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]

	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("expected float32 input/output, got %v/%v", in.DataType, out.DataType)
	}
	if err := checkInputDims(in.Dimensions, spec.Architecture.InputShape()); err != nil {
		return nil, fmt.Errorf("input %q: %w", in.Name, err)
	}
	outputShape, err := outputDims(out.Dimensions, len(spec.Labels))
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", out.Name, err)
	}

	opts, err := sessionOptions(spec)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(spec.WeightsPath,
		[]string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxRuntime{
		session:     session,
		outputShape: outputShape,
	}, nil
}

func sessionOptions(spec Spec) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	if spec.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(spec.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	if spec.Device == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA: %w", err)
		}
	}
	return opts, nil
}

// checkInputDims accepts a dynamic (-1) batch dimension; every other
// dimension must match the architecture exactly.
func checkInputDims(dims ort.Shape, want [4]int64) error {
	if len(dims) != len(want) {
		return fmt.Errorf("shape %v does not match %v", dims, want)
	}
	for i, d := range dims {
		if i == 0 && d < 0 {
			continue
		}
		if d != want[i] {
			return fmt.Errorf("shape %v does not match %v", dims, want)
		}
	}
	return nil
}

func outputDims(dims ort.Shape, numClasses int) (ort.Shape, error) {
	switch {
	case len(dims) == 1 && dims[0] == int64(numClasses):
		return ort.NewShape(int64(numClasses)), nil
	case len(dims) == 2 && (dims[0] == 1 || dims[0] < 0) && dims[1] == int64(numClasses):
		return ort.NewShape(1, int64(numClasses)), nil
	default:
		return nil, fmt.Errorf("shape %v does not produce %d class logits", dims, numClasses)
	}
}

func (r *onnxRuntime) Forward(ctx context.Context, in *Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(in.Shape[:]...), in.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](r.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := r.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := outputTensor.GetData()
	logits := make([]float32, len(outputData))
	copy(logits, outputData)
	return logits, nil
}

func (r *onnxRuntime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.session.Destroy()
		releaseEnvironment()
	})
	return err
}
