package asr

import (
	"context"
	"encoding/json"
	"fmt"
)

const TaskAutomaticSpeechRecognition = "automatic-speech-recognition"

// Device is a compute device index as understood by the inference runtime.
// Non-negative values are accelerator indexes, CPU is the processor marker.
type Device int

const CPU Device = -1

func (d Device) IsAccelerator() bool {
	return d >= 0
}

func (d Device) String() string {
	if !d.IsAccelerator() {
		return "cpu"
	}
	return fmt.Sprintf("cuda:%d", int(d))
}

// PipelineParams are the keyword arguments of a single pipeline call.
type PipelineParams struct {
	ReturnTimestamps bool           `json:"return_timestamps"`
	ChunkLengthS     int            `json:"chunk_length_s"`
	BatchSize        int            `json:"batch_size"`
	MaxNewTokens     int            `json:"max_new_tokens"`
	GenerateKwargs   map[string]any `json:"generate_kwargs"`
}

type Chunk struct {
	// Start and end offsets in seconds. The end of the last chunk can be null
	// when the model stopped mid-segment.
	Timestamp [2]*float64 `json:"timestamp"`
	Text      string      `json:"text"`
}

// Result is the typed view of a transcription with timestamps.
type Result struct {
	Text   string  `json:"text"`
	Chunks []Chunk `json:"chunks"`
}

// Transcription is the pipeline output exactly as the runtime produced it.
type Transcription struct {
	Raw json.RawMessage
}

func (t Transcription) MarshalJSON() ([]byte, error) {
	if len(t.Raw) == 0 {
		return []byte("null"), nil
	}
	return t.Raw, nil
}

func (t *Transcription) UnmarshalJSON(data []byte) error {
	t.Raw = append(t.Raw[:0], data...)
	return nil
}

// Result decodes the text and chunks, ignoring any other keys.
func (t Transcription) Result() (*Result, error) {
	var result Result
	if err := json.Unmarshal(t.Raw, &result); err != nil {
		return nil, fmt.Errorf("decoding transcription: %w", err)
	}
	return &result, nil
}

type Pipeline interface {
	Run(ctx context.Context, audio []byte, params PipelineParams) (*Transcription, error)
}

type Loader interface {
	Load(ctx context.Context, task string, modelPath string, device Device) (Pipeline, error)
}
