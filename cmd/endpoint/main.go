package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	inferenceruntime "github.com/bengmend/huggingface/asr/inference-runtime"
	"github.com/bengmend/huggingface/handler"
	"github.com/bengmend/huggingface/messages"
	"github.com/bengmend/huggingface/server"
	"github.com/bengmend/huggingface/utils"
	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var CommitHash = ""

type config struct {
	ModelPath string `env:"MODEL_PATH" envDefault:"./whisper-german-v3-endpoint"`
	Device    string `env:"DEVICE" envDefault:"auto"`

	RuntimeOptions inferenceruntime.Options `envPrefix:"RUNTIME_"`
	ServerOptions  server.ServerOptions
}

const environmentPrefix = "ASR_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic("loading .env: " + err.Error())
	}

	parentLogger := utils.CreateLog("endpoint", logLevelEnvKey, CommitHash)
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.With(zap.String("min_log_level", parentLogger.Level().String())).Info("starting")

	cfg := config{}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	}); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)

	runtimeClient := inferenceruntime.NewClient(parentLogger, cfg.RuntimeOptions)

	asrHandler, err := handler.New(ctx, handler.HandlerOptions{
		ParentLogger: parentLogger,
		Loader:       runtimeClient,
		ModelPath:    cfg.ModelPath,
		Device:       cfg.Device,
	})
	if err != nil {
		log.Fatal("failed to create handler", zap.Error(err))
	}

	messageProvider, err := messages.NewMessageProvider()
	if err != nil {
		log.Fatal("failed to create message provider", zap.Error(err))
	}

	httpServer := server.NewServer(server.ServerDeps{
		ParentLogger: parentLogger,
		Transcriber:  asrHandler,
		Readiness:    runtimeClient,
		Messages:     messageProvider,
		Info: server.ModelInfo{
			ModelPath: asrHandler.ModelPath(),
			Device:    asrHandler.Device().String(),
		},
	}, cfg.ServerOptions)

	g := errgroup.Group{}

	// HTTP server
	g.Go(func() (err error) {
		defer cancel()
		defer utils.PanicToError(log, &err)

		return httpServer.Run(ctx)
	})

	select {
	case <-shutdownSignal:
		cancel()
		log.Info("received signal, shutting down")
	case <-ctx.Done():
		log.Info("context done, shutting down")
	}

	err = g.Wait()
	if err != nil {
		log.Fatal("error group error", zap.Error(err))
	}
}
