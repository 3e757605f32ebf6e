package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	inferenceruntime "github.com/bengmend/huggingface/asr/inference-runtime"
	"github.com/bengmend/huggingface/handler"
	"github.com/bengmend/huggingface/utils"
	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type config struct {
	ModelPath string `env:"MODEL_PATH" envDefault:"./whisper-german-v3-endpoint"`
	Device    string `env:"DEVICE" envDefault:"auto"`

	RuntimeOptions inferenceruntime.Options `envPrefix:"RUNTIME_"`
}

const environmentPrefix = "ASR_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

func main() {
	audioPath := flag.String("audio", "", "path of the audio file to transcribe")
	rawOptions := flag.String("options", "{}", "generation options as a json object")
	asBase64 := flag.Bool("base64", false, "send the audio as base64 text instead of raw bytes")
	maxSize := flag.Int64("max-size", 1024*1024*256, "maximum audio file size in bytes")
	timeout := flag.Duration("timeout", 15*time.Minute, "overall timeout")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "loading .env:", err)
		os.Exit(1)
	}

	parentLogger := utils.CreateLog("transcribe", logLevelEnvKey, "")
	defer parentLogger.Sync()
	log := parentLogger.Named("main")

	if *audioPath == "" {
		flag.Usage()
		log.Fatal("-audio is required")
	}

	cfg := config{}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	}); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	var options map[string]any
	if err := json.Unmarshal([]byte(*rawOptions), &options); err != nil {
		log.Fatal("failed to parse -options", zap.Error(err))
	}

	audio, err := readAudio(*audioPath, *maxSize)
	if err != nil {
		log.Fatal("failed to read audio", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	asrHandler, err := handler.New(ctx, handler.HandlerOptions{
		ParentLogger: parentLogger,
		Loader:       inferenceruntime.NewClient(parentLogger, cfg.RuntimeOptions),
		ModelPath:    cfg.ModelPath,
		Device:       cfg.Device,
	})
	if err != nil {
		log.Fatal("failed to create handler", zap.Error(err))
	}

	req := handler.Request{
		handler.KeyAudioData: audio,
		handler.KeyOptions:   options,
	}
	if *asBase64 {
		req[handler.KeyAudioData] = base64.StdEncoding.EncodeToString(audio)
	}

	start := time.Now()
	result, err := asrHandler.Handle(ctx, req)
	if err != nil {
		log.Fatal("failed to transcribe", zap.Error(err))
	}
	log.With(zap.Duration("duration", time.Since(start))).Info("transcribed")

	fmt.Println(result)
}

func readAudio(path string, maxSize int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := utils.CopyLimit(&buf, f, maxSize); err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}

	return buf.Bytes(), nil
}
