package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	orchestration "github.com/koscakluka/ema-surgery/core"
	"github.com/koscakluka/ema-surgery/core/agents"
	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/ehr"
	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/llms"
	"github.com/koscakluka/ema-surgery/core/llms/gemini"
	"github.com/koscakluka/ema-surgery/core/llms/openai"
	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/core/routing"
	"github.com/koscakluka/ema-surgery/core/speech"
	"github.com/koscakluka/ema-surgery/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-surgery/core/texttospeech"
	ttsdeepgram "github.com/koscakluka/ema-surgery/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-surgery/core/texttospeech/websocket"
	"github.com/koscakluka/ema-surgery/core/video"
	"github.com/koscakluka/ema-surgery/internal/config"
	"github.com/koscakluka/ema-surgery/internal/metrics"
	"github.com/koscakluka/ema-surgery/internal/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)
	flushLogs, err := installLogProvider(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		if err := flushLogs(context.Background()); err != nil {
			logger.Warn("failed to flush logs", slog.String("error", err.Error()))
		}
	}()

	logger.Info("service starting",
		slog.String("config_path", configPath),
		slog.String("address", cfg.HTTP.Address),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("llm_model", cfg.LLM.Model),
		slog.Bool("tts_enabled", cfg.TTS.Enabled),
		slog.Bool("asr_enabled", cfg.ASR.Enabled),
		slog.Bool("annotation_enabled", cfg.Annotation.Enabled),
		slog.Bool("ehr_enabled", cfg.EHR.DBPath != ""),
		slog.String("procedure_dir", cfg.Notes.Dir),
		slog.String("video_dir", cfg.Video.Dir),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics()

	engine, err := newEngine(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	opts, closeResources, err := orchestratorOptions(ctx, cfg, engine)
	if err != nil {
		return err
	}
	defer closeResources()
	opts = append(opts, orchestration.WithMetrics(appMetrics))

	o := orchestration.NewOrchestrator(opts...)
	defer o.Shutdown()

	library, err := video.NewLibrary(cfg.Video.Dir, video.WithMaxUploadBytes(cfg.Video.MaxUploadBytes))
	if err != nil {
		return err
	}

	srv := server.New(cfg.HTTP, o,
		server.WithLibrary(library),
		server.WithMetrics(appMetrics),
		server.WithSpeechEnabled(cfg.TTS.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	if cfg.Video.Watch {
		watcher := video.NewWatcher(library, func() {
			o.Broadcast(events.Outbound{VideoUpdated: true})
		}, video.DefaultDebounce)
		if err := watcher.Start(gctx); err != nil {
			logger.Warn("video folder is not watched", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				return watcher.Stop()
			})
		}
	}

	err = g.Wait()
	logger.Info("service stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newEngine(ctx context.Context, cfg config.LLMConfig) (llms.Engine, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		return client, nil
	default:
		httpClient := &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
		return openai.NewClient(cfg.Model,
			openai.WithBaseURL(cfg.URL),
			openai.WithAPIKey(cfg.APIKey),
			openai.WithHTTPClient(httpClient),
		), nil
	}
}

func newSynthesizer(cfg config.TTSConfig) (texttospeech.Synthesizer, error) {
	if cfg.Provider == config.TTSProviderDeepgram {
		client, err := ttsdeepgram.NewClient(cfg.APIKey, ttsdeepgram.WithVoice(cfg.Voice))
		if err != nil {
			return nil, fmt.Errorf("failed to create deepgram speech client: %w", err)
		}
		return client, nil
	}
	return websocket.NewClient(cfg.URL, websocket.WithModel(cfg.Model)), nil
}

func newAggregator(cfg config.PostOpConfig) *postop.Aggregator {
	return postop.NewAggregator(
		postop.WithProcedure(cfg.ProcedureType, cfg.ProcedureNature),
		postop.WithPersonnel(cfg.Personnel),
		postop.WithSmoothing(cfg.MinConsecutive, cfg.MinDwell),
		postop.WithTimelineMaxEntries(cfg.TimelineMaxEntries),
	)
}

// orchestratorOptions builds the orchestrator's collaborators from the
// configuration. The returned function releases the ones holding resources.
func orchestratorOptions(ctx context.Context, cfg *config.Config, engine llms.Engine) ([]orchestration.OrchestratorOption, func(), error) {
	opts := []orchestration.OrchestratorOption{
		orchestration.WithBaseContext(ctx),
		orchestration.WithEngine(engine),
		orchestration.WithProcedureDir(cfg.Notes.Dir),
		orchestration.WithAggregator(newAggregator(cfg.PostOp)),
	}
	closeResources := func() {}

	if cfg.LLM.CorrectTranscripts {
		opts = append(opts, orchestration.WithCorrector(routing.NewCorrector(engine)))
	}

	if cfg.Annotation.Enabled {
		opts = append(opts, orchestration.WithAnnotationOptions(
			annotation.WithPeriod(cfg.Annotation.Period),
			annotation.WithPromptTimeout(cfg.Annotation.PromptTimeout),
		))
	} else {
		opts = append(opts, orchestration.WithAnnotationDisabled())
	}

	if cfg.TTS.Enabled {
		synthesizer, err := newSynthesizer(cfg.TTS)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, orchestration.WithSpeechSynthesis(synthesizer,
			[]speech.StreamerOption{
				speech.WithMaxChunkLength(cfg.TTS.MaxChunkLength),
				speech.WithChunkTimeout(cfg.TTS.ChunkTimeout),
				speech.WithReconnectPolicy(cfg.TTS.MaxReconnects, cfg.TTS.ReconnectBackoff),
			},
			speech.WithQueueBounds(cfg.TTS.QueueMaxItems, cfg.TTS.QueueMaxAge),
		))
	}

	if cfg.ASR.Enabled {
		clientOpts := []deepgram.ClientOption{
			deepgram.WithModel(cfg.ASR.Model),
			deepgram.WithLanguage(cfg.ASR.Language),
		}
		if cfg.ASR.ListenURL != "" {
			clientOpts = append(clientOpts, deepgram.WithListenURL(cfg.ASR.ListenURL))
		}
		transcriber, err := deepgram.NewClient(cfg.ASR.APIKey, clientOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create speech recognition client: %w", err)
		}
		opts = append(opts, orchestration.WithTranscriber(transcriber))
	}

	if cfg.EHR.DBPath != "" {
		store, err := ehr.Open(cfg.EHR.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open EHR index: %w", err)
		}
		closeResources = func() {
			if err := store.Close(); err != nil {
				slog.Warn("failed to close EHR index", slog.String("error", err.Error()))
			}
		}
		opts = append(opts, orchestration.WithEHRAgent(
			agents.NewEHR(engine, store, agents.WithRetrieval(cfg.EHR.TopK, cfg.EHR.ContextMaxChars)),
		))
	}

	return opts, closeResources, nil
}
