package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bengmend/huggingface/asr"
	inferenceruntime "github.com/bengmend/huggingface/asr/inference-runtime"
	"go.uber.org/zap"
)

const defaultOutput = `{"text":" guten morgen","chunks":[{"timestamp":[0.0,2.5],"text":" guten morgen"}]}`

type fakePipeline struct {
	audio  [][]byte
	params []asr.PipelineParams
	output string
	err    error
}

func (f *fakePipeline) Run(ctx context.Context, audio []byte, params asr.PipelineParams) (*asr.Transcription, error) {
	f.audio = append(f.audio, audio)
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	output := f.output
	if output == "" {
		output = defaultOutput
	}
	return &asr.Transcription{Raw: json.RawMessage(output)}, nil
}

type fakeLoader struct {
	pipeline  *fakePipeline
	err       error
	modelPath string
	device    asr.Device
	task      string
}

func (f *fakeLoader) Load(ctx context.Context, task string, modelPath string, device asr.Device) (asr.Pipeline, error) {
	f.task = task
	f.modelPath = modelPath
	f.device = device
	if f.err != nil {
		return nil, f.err
	}
	return f.pipeline, nil
}

type fixedDetector asr.Device

func (d fixedDetector) Detect(ctx context.Context) asr.Device {
	return asr.Device(d)
}

func newTestHandler(t *testing.T) (*Handler, *fakePipeline) {
	t.Helper()
	pipeline := &fakePipeline{}
	h, err := New(context.Background(), HandlerOptions{
		ParentLogger: zap.NewNop(),
		Loader:       &fakeLoader{pipeline: pipeline},
	}, WithDetector(fixedDetector(asr.CPU)))
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	return h, pipeline
}

func TestNewSelectsDeviceAndModel(t *testing.T) {
	loader := &fakeLoader{pipeline: &fakePipeline{}}

	h, err := New(context.Background(), HandlerOptions{
		ParentLogger: zap.NewNop(),
		Loader:       loader,
	}, WithDetector(fixedDetector(0)))
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	if loader.task != asr.TaskAutomaticSpeechRecognition {
		t.Fatalf("unexpected task %q", loader.task)
	}
	if loader.modelPath != DefaultModelPath || h.ModelPath() != DefaultModelPath {
		t.Fatalf("unexpected model path %q", loader.modelPath)
	}
	if loader.device != 0 || h.Device() != 0 {
		t.Fatalf("expected accelerator 0, got %v", loader.device)
	}
}

func TestNewDeviceOverride(t *testing.T) {
	loader := &fakeLoader{pipeline: &fakePipeline{}}

	_, err := New(context.Background(), HandlerOptions{
		ParentLogger: zap.NewNop(),
		Loader:       loader,
		ModelPath:    "/models/whisper",
		Device:       "cpu",
	}, WithDetector(fixedDetector(0)))
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	if loader.device != asr.CPU {
		t.Fatalf("override ignored, got %v", loader.device)
	}
	if loader.modelPath != "/models/whisper" {
		t.Fatalf("unexpected model path %q", loader.modelPath)
	}
}

func TestNewLoadFailure(t *testing.T) {
	loadErr := errors.New("no such model directory")

	_, err := New(context.Background(), HandlerOptions{
		ParentLogger: zap.NewNop(),
		Loader:       &fakeLoader{err: loadErr},
		ModelPath:    "./nope",
	}, WithDetector(fixedDetector(asr.CPU)))
	if !errors.Is(err, loadErr) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestHandleMissingAudioData(t *testing.T) {
	h, pipeline := newTestHandler(t)

	_, err := h.Handle(context.Background(), Request{KeyOptions: map[string]any{}})
	if !errors.Is(err, ErrMissingAudioData) {
		t.Fatalf("expected ErrMissingAudioData, got %v", err)
	}
	if len(pipeline.audio) != 0 {
		t.Fatalf("pipeline should not run")
	}
}

func TestHandleMissingOptions(t *testing.T) {
	h, _ := newTestHandler(t)

	_, err := h.Handle(context.Background(), Request{KeyAudioData: []byte("x")})
	if !errors.Is(err, ErrMissingOptions) {
		t.Fatalf("expected ErrMissingOptions, got %v", err)
	}
}

func TestHandleBase64MatchesRaw(t *testing.T) {
	h, pipeline := newTestHandler(t)
	audio := []byte{'R', 'I', 'F', 'F', 0x00, 0x01, 0xfe, 0xff}

	if _, err := h.Handle(context.Background(), Request{
		KeyAudioData: audio,
		KeyOptions:   map[string]any{},
	}); err != nil {
		t.Fatalf("raw Handle err: %v", err)
	}
	if _, err := h.Handle(context.Background(), Request{
		KeyAudioData: base64.StdEncoding.EncodeToString(audio),
		KeyOptions:   map[string]any{},
	}); err != nil {
		t.Fatalf("base64 Handle err: %v", err)
	}

	if len(pipeline.audio) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(pipeline.audio))
	}
	if !bytes.Equal(pipeline.audio[0], pipeline.audio[1]) || !bytes.Equal(pipeline.audio[0], audio) {
		t.Fatalf("decoded audio differs: %v vs %v", pipeline.audio[0], pipeline.audio[1])
	}
}

func TestHandleBadBase64(t *testing.T) {
	h, pipeline := newTestHandler(t)

	_, err := h.Handle(context.Background(), Request{
		KeyAudioData: "not base64!",
		KeyOptions:   map[string]any{},
	})
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if len(pipeline.audio) != 0 {
		t.Fatalf("pipeline should not run")
	}
}

func TestHandleForwardsOptionsAndFixedParams(t *testing.T) {
	h, pipeline := newTestHandler(t)
	options := map[string]any{
		"language":    "german",
		"task":        "transcribe",
		"num_beams":   float64(5),
		"temperature": []any{0.0, 0.2},
	}

	if _, err := h.Handle(context.Background(), Request{
		KeyAudioData: []byte("audio"),
		KeyOptions:   options,
	}); err != nil {
		t.Fatalf("Handle err: %v", err)
	}

	params := pipeline.params[0]
	if !reflect.DeepEqual(params.GenerateKwargs, options) {
		t.Fatalf("options changed: %+v", params.GenerateKwargs)
	}
	if !params.ReturnTimestamps || params.ChunkLengthS != 60 || params.BatchSize != 8 || params.MaxNewTokens != 10000 {
		t.Fatalf("unexpected fixed params: %+v", params)
	}
}

func TestHandleReturnsJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	out, err := h.Handle(context.Background(), Request{
		KeyAudioData: []byte("audio"),
		KeyOptions:   map[string]any{},
	})
	if err != nil {
		t.Fatalf("Handle err: %v", err)
	}
	if !json.Valid([]byte(out)) {
		t.Fatalf("output is not json: %s", out)
	}

	var decoded asr.Result
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	if decoded.Text != " guten morgen" || len(decoded.Chunks) != 1 || *decoded.Chunks[0].Timestamp[1] != 2.5 {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestHandlePipelineErrorPropagates(t *testing.T) {
	h, pipeline := newTestHandler(t)
	pipeline.err = errors.New("cuda out of memory")

	_, err := h.Handle(context.Background(), Request{
		KeyAudioData: []byte("audio"),
		KeyOptions:   map[string]any{},
	})
	if !errors.Is(err, pipeline.err) {
		t.Fatalf("expected pipeline error, got %v", err)
	}
}

func TestHandleNullOptions(t *testing.T) {
	h, pipeline := newTestHandler(t)

	if _, err := h.Handle(context.Background(), Request{
		KeyAudioData: []byte("audio"),
		KeyOptions:   nil,
	}); err != nil {
		t.Fatalf("Handle err: %v", err)
	}

	if len(pipeline.params) != 1 || pipeline.params[0].GenerateKwargs != nil {
		t.Fatalf("expected nil generate kwargs, got %+v", pipeline.params)
	}
}

func TestHandleKeepsNullEndTimestamp(t *testing.T) {
	h, pipeline := newTestHandler(t)
	pipeline.output = `{"text":" hallo welt","chunks":[{"timestamp":[0.0,1.5],"text":" hallo"},{"timestamp":[1.5,null],"text":" welt"}]}`

	out, err := h.Handle(context.Background(), Request{
		KeyAudioData: []byte("audio"),
		KeyOptions:   map[string]any{},
	})
	if err != nil {
		t.Fatalf("Handle err: %v", err)
	}

	if !strings.Contains(out, `"timestamp":[1.5,null]`) {
		t.Fatalf("null end timestamp lost: %s", out)
	}
	var decoded asr.Result
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	if decoded.Chunks[1].Timestamp[1] != nil {
		t.Fatalf("expected null end, got %v", *decoded.Chunks[1].Timestamp[1])
	}
}

func TestHandleKeepsPipelineOutputShape(t *testing.T) {
	h, pipeline := newTestHandler(t)
	pipeline.output = `{"text":" hallo","chunks":[],"language":"german","extra":{"score":0.91}}`

	out, err := h.Handle(context.Background(), Request{
		KeyAudioData: []byte("audio"),
		KeyOptions:   map[string]any{},
	})
	if err != nil {
		t.Fatalf("Handle err: %v", err)
	}

	var got, want map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	json.Unmarshal([]byte(pipeline.output), &want)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("output changed: %s", out)
	}
	if !strings.Contains(out, `"chunks":[]`) {
		t.Fatalf("empty chunks dropped: %s", out)
	}
}

func TestHandleThroughInferenceRuntime(t *testing.T) {
	const output = `{"text":" hallo","chunks":[],"language":"german"}`

	mux := http.NewServeMux()
	mux.HandleFunc("/pipelines", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"asr-1"}`))
	})
	mux.HandleFunc("/pipelines/asr-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(output))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := inferenceruntime.NewClient(zap.NewNop(), inferenceruntime.Options{URL: srv.URL, Timeout: 5 * time.Second})
	h, err := New(context.Background(), HandlerOptions{
		ParentLogger: zap.NewNop(),
		Loader:       client,
		Device:       "cpu",
	})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	out, err := h.Handle(context.Background(), Request{
		KeyAudioData: base64.StdEncoding.EncodeToString([]byte("audio")),
		KeyOptions:   map[string]any{"language": "german"},
	})
	if err != nil {
		t.Fatalf("Handle err: %v", err)
	}
	if out != output {
		t.Fatalf("runtime output changed: %s", out)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	chunks, ok := decoded["chunks"].([]any)
	if !ok || len(chunks) != 0 {
		t.Fatalf("expected empty chunk list, got %v", decoded["chunks"])
	}
	if decoded["language"] != "german" {
		t.Fatalf("language key dropped: %v", decoded)
	}
}
