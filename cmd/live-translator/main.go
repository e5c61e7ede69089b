package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/api"
	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/config"
	"github.com/snarg/live-translator/internal/credentials"
	"github.com/snarg/live-translator/internal/events"
	"github.com/snarg/live-translator/internal/history"
	"github.com/snarg/live-translator/internal/metrics"
	"github.com/snarg/live-translator/internal/mqttclient"
	"github.com/snarg/live-translator/internal/pipeline"
	"github.com/snarg/live-translator/internal/session"
	"github.com/snarg/live-translator/internal/speech"
	"github.com/snarg/live-translator/internal/storage"
	"github.com/snarg/live-translator/internal/transcribe"
	"github.com/snarg/live-translator/internal/translate"
	"github.com/snarg/live-translator/internal/validate"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.SourceLanguage, "source", "", "source language, or auto")
	flag.StringVar(&overrides.TargetLanguage, "target", "", "target language")
	flag.StringVar(&overrides.WhisperURL, "whisper-url", "", "local whisper engine URL")
	flag.StringVar(&overrides.FallbackURL, "fallback-url", "", "streaming recognizer websocket URL")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("live-translator starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checks []api.HealthCheck

	// History and settings
	var store history.Store
	var pool *pgxpool.Pool
	if cfg.History.DatabaseURL != "" {
		pg, err := history.Connect(ctx, cfg.History.DatabaseURL, cfg.History.Limit, log.With().Str("component", "history").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to history database")
		}
		store, pool = pg, pg.Pool
		checks = append(checks, api.HealthCheck{Name: "database", Critical: true, Check: pg.HealthCheck})
	} else {
		store = history.NewMemoryStore(cfg.History.Limit)
		log.Info().Int("limit", cfg.History.Limit).Msg("history kept in memory")
	}
	defer store.Close()

	// Persisted settings override the configured defaults.
	source, target, autoSpeak := cfg.SourceLanguage, cfg.TargetLanguage, cfg.AutoSpeak
	if st, ok, err := store.LoadSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load saved settings")
	} else if ok {
		source, target, autoSpeak = st.Source, st.Target, st.AutoSpeak
		log.Info().Str("source", source).Str("target", target).Bool("auto_speak", autoSpeak).Msg("restored saved settings")
	}

	sess, err := session.New(source, target, cfg.DefaultSourceLanguage)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid session languages")
	}

	// Validator
	thresholds := validate.DefaultThresholds()
	if cfg.ValidatorFile != "" {
		thresholds, err = validate.LoadThresholds(cfg.ValidatorFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.ValidatorFile).Msg("failed to load validator thresholds")
		}
	}

	// Credentials
	creds, err := credentials.New(cfg.Translate.CredentialFile,
		map[string]string{"google": cfg.Translate.GoogleAPIKey}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load credentials")
	}
	if cfg.Translate.CredentialFile != "" {
		if err := creds.Watch(); err != nil {
			log.Warn().Err(err).Msg("credential file watch failed, changes need a restart")
		}
	}
	defer creds.Close()

	// Translation
	providers := []translate.Provider{
		translate.NewGoogle(cfg.Translate.GoogleURL, nil),
		translate.NewMyMemory(cfg.Translate.MyMemoryURL, nil),
		translate.NewLibreTranslate(cfg.Translate.LibreTranslateURL, nil),
	}
	var cache translate.Cache
	if cfg.Translate.RedisURL != "" {
		rc, err := translate.NewRedisCache(cfg.Translate.RedisURL, cfg.Translate.CacheTTL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("translation cache unreachable, continuing")
		}
		cache = rc
		checks = append(checks, api.HealthCheck{Name: "cache", Check: rc.Ping})
	}
	resolver := translate.NewResolver(translate.Options{
		Providers:     providers,
		Credentials:   creds,
		Cache:         cache,
		Timeout:       cfg.Translate.ProviderTimeout,
		Detected:      func() string { return sess.Snapshot().DetectedLanguage },
		DefaultSource: cfg.DefaultSourceLanguage,
		OnResult:      metrics.ProviderResult,
		Log:           log,
	})

	// Segment archive
	var archiver *storage.Archiver
	audioStore, services, err := storage.New(cfg.S3, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize segment archive")
	}
	if audioStore != nil {
		archiver = storage.NewArchiver(audioStore, log)
	}
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}

	// Event bus and display mirror
	bus := events.NewBus(256)
	if cfg.MQTT.BrokerURL != "" {
		mq, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mq.Close()
		bus.Mirror(mq.Mirror)
		checks = append(checks, api.HealthCheck{Name: "mqtt", Check: func(context.Context) error {
			if !mq.IsConnected() {
				return fmt.Errorf("mqtt disconnected")
			}
			return nil
		}})
	}

	// Speech
	var speaker pipeline.Speaker
	synth := speech.New(speech.Options{
		Command: cfg.Speech.Command,
		Rate:    cfg.Speech.Rate,
		Volume:  cfg.Speech.Volume,
		Log:     log,
		OnError: func(err error) {
			metrics.RejectsTotal.WithLabelValues(pipeline.Classify(err)).Inc()
		},
	})
	if synth.Available() {
		speaker = synth
	} else {
		log.Warn().Str("command", cfg.Speech.Command).Msg("speech command not found, translations will not be spoken")
	}

	// Transcription backends
	backendEvents := make(chan transcribe.Event, 64)
	var local *transcribe.LocalBackend
	if !cfg.Local.Disabled {
		local = transcribe.NewLocalBackend(transcribe.LocalOptions{
			Tiers: []transcribe.Tier{
				{Name: "accelerated", URL: cfg.Local.WhisperURL},
				{Name: "cpu", URL: cfg.Local.WhisperCPUURL},
			},
			Model:                  cfg.Local.Model,
			ModelURL:               cfg.Local.ModelURL,
			ModelDir:               cfg.Local.ModelDir,
			LoadTimeout:            cfg.Local.EffectiveLoadTimeout(),
			RequestTimeout:         cfg.Local.RequestTimeout,
			QueueSize:              cfg.Local.QueueSize,
			MaxConsecutiveFailures: cfg.Local.MaxConsecutiveFailures,
			Language:               func() string { return sess.Snapshot().SourceLanguage },
			Observe: func(tier string, d time.Duration) {
				metrics.TranscribeDuration.WithLabelValues(tier).Observe(d.Seconds())
			},
			Log: log,
		}, backendEvents)
	}
	recognizer := transcribe.NewRecognizer(transcribe.RecognizerOptions{
		URL:          cfg.Fallback.URL,
		SampleRate:   transcribe.EngineSampleRate,
		RestartDelay: cfg.Fallback.RestartDelay,
		MaxRestarts:  cfg.Fallback.MaxRestarts,
		Language:     sess.EffectiveSource,
		Log:          log,
	}, backendEvents)

	pipe := pipeline.New(pipeline.Options{
		Session: sess,
		Device:  audio.NewMalgoDevice(),
		Constraints: audio.Constraints{
			SampleRate:       cfg.Capture.SampleRate,
			Channels:         cfg.Capture.Channels,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
		},
		SegmentDuration: cfg.Capture.SegmentDuration,
		FallbackChunk:   cfg.Capture.FallbackChunk,
		Switch:          transcribe.NewSwitch(local, recognizer, backendEvents, log),
		Validator:       validate.New(thresholds),
		Resolver:        resolver,
		History:         store,
		Speaker:         speaker,
		Archiver:        archiver,
		Bus:             bus,
		AutoSpeak:       autoSpeak,
		Log:             log,
	})
	pipe.Start()
	defer pipe.Stop()

	prometheus.MustRegister(metrics.NewCollector(pool, pipe))

	go func() {
		if _, err := pipe.SelectBackend(ctx); err != nil {
			log.Error().Err(err).Msg("no transcriber backend available")
			return
		}
		if cfg.AutoStart {
			if err := pipe.StartListening(); err != nil {
				log.Error().Err(err).Msg("failed to start listening")
			}
		}
	}()

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		Pipeline:    pipe,
		History:     store,
		Credentials: creds,
		Providers:   resolver.Providers(),
		Bus:         bus,
		Archive:     audioStore,
		Health:      checks,
	}, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("live-translator stopped")
}
