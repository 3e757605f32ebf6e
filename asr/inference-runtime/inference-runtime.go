package inferenceruntime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bengmend/huggingface/asr"
	"github.com/bengmend/huggingface/utils"
	"go.uber.org/zap"
)

// max response body size accepted from the runtime
const MaxResponseSize = 1024 * 1024 * 16

// how much of an error body is kept in returned errors
const maxErrorBodySize = 1024 * 4

type loadRequest struct {
	Task   string `json:"task"`
	Model  string `json:"model"`
	Device int    `json:"device"`
}

type loadResponse struct {
	ID string `json:"id"`
}

type runRequest struct {
	// base64 encoded audio
	Inputs     string             `json:"inputs"`
	Parameters asr.PipelineParams `json:"parameters"`
}

type Options struct {
	URL     string        `env:"URL,required"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10m"`
}

// Client talks to an inference runtime that loads pretrained pipelines and
// serves calls to them over HTTP.
type Client struct {
	log *zap.Logger

	baseURL string
	http    *http.Client
}

type ClientOptions func(*Client)

func WithHTTPClient(client *http.Client) ClientOptions {
	return func(c *Client) {
		c.http = client
	}
}

func NewClient(parentLogger *zap.Logger, options Options, extra ...ClientOptions) *Client {
	c := &Client{
		log:     parentLogger.Named("runtime"),
		baseURL: strings.TrimSuffix(options.URL, "/"),
		http: &http.Client{
			Timeout: options.Timeout,
		},
	}

	for _, option := range extra {
		option(c)
	}

	return c
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := utils.ReadAllLimit(resp.Body, maxErrorBodySize)
		return fmt.Errorf("non-ok http response: [%d] %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(errBody)))
	}

	respBody, err := utils.ReadAllLimit(resp.Body, MaxResponseSize)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("decoding response json: %w", err)
	}

	return nil
}

// Load asks the runtime to load the model at modelPath for task onto device.
// The runtime owns model loading, so an invalid path fails here with the
// runtime's error text.
func (c *Client) Load(ctx context.Context, task string, modelPath string, device asr.Device) (asr.Pipeline, error) {
	log := utils.GetLogFromContext(ctx, c.log).With(
		zap.String("task", task),
		zap.String("model", modelPath),
		zap.Stringer("device", device),
	)

	var resp loadResponse
	err := c.postJSON(ctx, "/pipelines", loadRequest{
		Task:   task,
		Model:  modelPath,
		Device: int(device),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("runtime returned no pipeline id")
	}

	log.With(zap.String("pipeline_id", resp.ID)).Info("pipeline loaded")

	return &Pipeline{
		client: c,
		id:     resp.ID,
	}, nil
}

// Healthy returns nil if the runtime reports itself healthy.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-ok http response: [%d] %s", resp.StatusCode, resp.Status)
	}

	return nil
}

type Pipeline struct {
	client *Client
	id     string
}

func (p *Pipeline) ID() string {
	return p.id
}

func (p *Pipeline) Run(ctx context.Context, audio []byte, params asr.PipelineParams) (*asr.Transcription, error) {
	var transcription asr.Transcription
	err := p.client.postJSON(ctx, "/pipelines/"+url.PathEscape(p.id), runRequest{
		Inputs:     base64.StdEncoding.EncodeToString(audio),
		Parameters: params,
	}, &transcription)
	if err != nil {
		return nil, fmt.Errorf("running pipeline: %w", err)
	}

	p.client.log.With(zap.String("pipeline_id", p.ID()), zap.Int("response_size", len(transcription.Raw))).Debug("pipeline run")

	return &transcription, nil
}
