package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bengmend/huggingface/asr"
	"github.com/bengmend/huggingface/asr/device"
	"github.com/bengmend/huggingface/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultModelPath = "./whisper-german-v3-endpoint"

// fixed pipeline parameters, caller options only reach generate_kwargs
const (
	ReturnTimestamps = true
	ChunkLengthS     = 60
	BatchSize        = 8
	MaxNewTokens     = 10000
)

const (
	KeyAudioData = "audio_data"
	KeyOptions   = "options"
)

var ErrMissingAudioData = fmt.Errorf("request must contain a top-level key named '%s'", KeyAudioData)
var ErrMissingOptions = fmt.Errorf("request must contain a top-level key named '%s'", KeyOptions)
var ErrUnsupportedType = fmt.Errorf("unsupported type")

// Request holds audio_data (raw bytes or base64 text) and options (generation
// parameters forwarded verbatim).
type Request map[string]any

type DeviceDetector interface {
	Detect(ctx context.Context) asr.Device
}

type Handler struct {
	log *zap.Logger

	pipeline  asr.Pipeline
	device    asr.Device
	modelPath string
}

type HandlerOptions struct {
	ParentLogger *zap.Logger
	Loader       asr.Loader

	ModelPath string
	// Device overrides detection, see device.ParseDevice. Empty means detect.
	Device string
}

type HandlerExtraOptions func(*handlerConfig)

type handlerConfig struct {
	detector DeviceDetector
}

func WithDetector(detector DeviceDetector) HandlerExtraOptions {
	return func(c *handlerConfig) {
		c.detector = detector
	}
}

// New selects a compute device and loads the speech recognition pipeline from
// the model path onto it.
func New(ctx context.Context, options HandlerOptions, extra ...HandlerExtraOptions) (*Handler, error) {
	cfg := &handlerConfig{
		detector: device.NewDetector(),
	}
	for _, option := range extra {
		option(cfg)
	}

	h := &Handler{
		log:       options.ParentLogger.Named("handler"),
		modelPath: options.ModelPath,
	}
	if h.modelPath == "" {
		h.modelPath = DefaultModelPath
	}

	d, ok, err := device.ParseDevice(options.Device)
	if err != nil {
		return nil, fmt.Errorf("parsing device: %w", err)
	}
	if !ok {
		d = cfg.detector.Detect(ctx)
	}
	h.device = d

	h.log.With(zap.Stringer("device", d), zap.Bool("detected", !ok)).Info("using device")

	pipeline, err := options.Loader.Load(ctx, asr.TaskAutomaticSpeechRecognition, h.modelPath, d)
	if err != nil {
		return nil, fmt.Errorf("loading asr pipeline from %s: %w", h.modelPath, err)
	}
	h.pipeline = pipeline

	return h, nil
}

func (h *Handler) Device() asr.Device {
	return h.device
}

func (h *Handler) ModelPath() string {
	return h.modelPath
}

// Handle transcribes the audio in req and returns the pipeline output as a
// JSON string.
func (h *Handler) Handle(ctx context.Context, req Request) (string, error) {
	log := utils.GetLogFromContext(ctx, h.log)

	rawAudio, ok := req[KeyAudioData]
	if !ok {
		return "", ErrMissingAudioData
	}

	rawOptions, ok := req[KeyOptions]
	if !ok {
		return "", ErrMissingOptions
	}
	options, err := generateKwargs(rawOptions)
	if err != nil {
		return "", err
	}

	audio, err := decodeAudio(rawAudio)
	if err != nil {
		return "", err
	}

	log.With(zap.Int("audio_size", len(audio)), zap.Int("options", len(options))).Debug("running pipeline")

	transcription, err := h.pipeline.Run(ctx, audio, asr.PipelineParams{
		ReturnTimestamps: ReturnTimestamps,
		ChunkLengthS:     ChunkLengthS,
		BatchSize:        BatchSize,
		MaxNewTokens:     MaxNewTokens,
		GenerateKwargs:   options,
	})
	if err != nil {
		return "", fmt.Errorf("transcribing: %w", err)
	}

	if log.Core().Enabled(zapcore.DebugLevel) {
		if result, err := transcription.Result(); err == nil {
			log.With(zap.Int("chunks", len(result.Chunks))).Debug("pipeline done")
		}
	}

	result, err := json.Marshal(transcription)
	if err != nil {
		return "", fmt.Errorf("encoding transcription json: %w", err)
	}

	return string(result), nil
}

// decodeAudio decodes base64 text, raw bytes pass through.
func decodeAudio(v any) ([]byte, error) {
	switch audio := v.(type) {
	case []byte:
		return audio, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 audio: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%s: %w %T", KeyAudioData, ErrUnsupportedType, v)
	}
}

func generateKwargs(v any) (map[string]any, error) {
	switch options := v.(type) {
	case map[string]any:
		return options, nil
	case Request:
		return options, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s: %w %T", KeyOptions, ErrUnsupportedType, v)
	}
}
