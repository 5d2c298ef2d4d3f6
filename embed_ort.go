//go:build ort

package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	embedderBackends["ort"] = func(cfg Config) (Embedder, error) {
		return NewORTEmbedder(cfg.ONNXDir, cfg.ORTLib)
	}
}

// ORTEmbedder runs exported CLIP text and vision towers through ONNX
// Runtime. onnxDir must contain text_model.onnx, vision_model.onnx,
// vocab.json and merges.txt.
type ORTEmbedder struct {
	text   *ort.DynamicAdvancedSession
	vision *ort.DynamicAdvancedSession
	tok    *CLIPTokenizer

	imageSize int
}

func findORTLibrary() string {
	for _, c := range []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// embedOutput picks the projected embedding output, falling back to the
// last one.
func embedOutput(infos []ort.InputOutputInfo, want string) string {
	for _, info := range infos {
		if info.Name == want {
			return info.Name
		}
	}
	return infos[len(infos)-1].Name
}

func NewORTEmbedder(onnxDir, libPath string) (*ORTEmbedder, error) {
	if onnxDir == "" {
		return nil, errors.New("ort embedder needs -onnx-dir")
	}
	if libPath == "" {
		libPath = findORTLibrary()
	}
	if libPath == "" {
		return nil, errors.New("libonnxruntime not found, pass -ort-lib")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.Wrap(err, "init onnxruntime")
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "session options")
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	opts.SetIntraOpNumThreads(4)

	e := &ORTEmbedder{imageSize: 224}
	if e.tok, err = LoadCLIPTokenizer(onnxDir); err != nil {
		return nil, err
	}

	textPath := filepath.Join(onnxDir, "text_model.onnx")
	_, textOut, err := ort.GetInputOutputInfo(textPath)
	if err != nil {
		return nil, errors.Wrap(err, "text model info")
	}
	e.text, err = ort.NewDynamicAdvancedSession(textPath,
		[]string{"input_ids"}, []string{embedOutput(textOut, "text_embeds")}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "text session")
	}

	visionPath := filepath.Join(onnxDir, "vision_model.onnx")
	visionIn, visionOut, err := ort.GetInputOutputInfo(visionPath)
	if err != nil {
		e.Destroy()
		return nil, errors.Wrap(err, "vision model info")
	}
	if dims := visionIn[0].Dimensions; len(dims) == 4 && dims[3] > 0 {
		e.imageSize = int(dims[3])
	}
	e.vision, err = ort.NewDynamicAdvancedSession(visionPath,
		[]string{"pixel_values"}, []string{embedOutput(visionOut, "image_embeds")}, opts)
	if err != nil {
		e.Destroy()
		return nil, errors.Wrap(err, "vision session")
	}
	return e, nil
}

func (e *ORTEmbedder) Tokenize(texts []string) [][]int {
	return e.tok.EncodeBatch(texts)
}

func (e *ORTEmbedder) EncodeText(tokens [][]int) ([][]float64, error) {
	out := make([][]float64, len(tokens))
	for i, row := range tokens {
		ids := make([]int64, len(row))
		for j, id := range row {
			ids[j] = int64(id)
		}
		in, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
		if err != nil {
			return nil, errors.Wrap(err, "text input tensor")
		}
		vec, err := runSingle(e.text, in)
		in.Destroy()
		if err != nil {
			return nil, errors.Wrapf(err, "text %d", i)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *ORTEmbedder) EncodeImage(pixels []float32) ([]float64, error) {
	s := int64(e.imageSize)
	if int64(len(pixels)) != 3*s*s {
		return nil, errors.Errorf("vision model expects %dx%d input, got %d values", s, s, len(pixels))
	}
	in, err := ort.NewTensor(ort.NewShape(1, 3, s, s), pixels)
	if err != nil {
		return nil, errors.Wrap(err, "image input tensor")
	}
	defer in.Destroy()
	return runSingle(e.vision, in)
}

// ImageSize is the square input the vision tower was exported with.
func (e *ORTEmbedder) ImageSize() int { return e.imageSize }

func runSingle(sess *ort.DynamicAdvancedSession, in ort.Value) ([]float64, error) {
	outputs := []ort.Value{nil}
	if err := sess.Run([]ort.Value{in}, outputs); err != nil {
		return nil, errors.Wrap(err, "run")
	}
	defer outputs[0].Destroy()
	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("unsupported output tensor %T", outputs[0])
	}
	src := t.GetData()
	vec := make([]float64, len(src))
	for i, v := range src {
		vec[i] = float64(v)
	}
	return vec, nil
}

func (e *ORTEmbedder) Destroy() {
	if e.text != nil {
		e.text.Destroy()
	}
	if e.vision != nil {
		e.vision.Destroy()
	}
	ort.DestroyEnvironment()
}
