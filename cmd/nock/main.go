package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/config"
	"github.com/23skdu/longbow-nock/internal/engine"
)

var (
	configPath    = flag.String("config", "", "Path to YAML config file")
	variant       = flag.String("variant", "", "Model variant (text, context, multimodal, speech)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	vocoderListen = flag.String("vocoder-listen", "", "Serve the tone vocoder over Flight on this address (e.g. :9090)")
	vocoderAddr   = flag.String("vocoder", "", "Remote Flight vocoder address")
	sessionDir    = flag.String("sessions", "", "Directory for saved sessions")
	maxConcurrent = flag.Int("max-concurrent", 0, "Maximum number of concurrent generate requests")
	maxNewTokens  = flag.Int("max-new-tokens", 0, "Maximum tokens generated per turn")
	prompt        = flag.String("prompt", "lorem ipsum dolor sit amet", "Prompt for a one-shot generation")
	loremIpsum    = flag.Int("lorem", 0, "Generate N lorem ipsum prompts for the soak test")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	debug         = flag.Bool("debug", false, "Log per-step detail")
)

// loadConfig layers defaults, the config file, the environment and then
// any flags given on the command line.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "variant":
			cfg.Variant = *variant
		case "listen":
			cfg.Server.Listen = *listenAddr
		case "vocoder-listen":
			cfg.Vocoder.Listen = *vocoderListen
		case "vocoder":
			cfg.Vocoder.Addr = *vocoderAddr
		case "sessions":
			cfg.Sessions.Dir = *sessionDir
		case "max-concurrent":
			cfg.Server.MaxConcurrent = *maxConcurrent
		case "max-new-tokens":
			cfg.Engine.MaxNewTokens = *maxNewTokens
		}
	})
	return cfg, cfg.Validate()
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A standalone vocoder needs no model.
	if cfg.Vocoder.Listen != "" {
		server, err := client.NewVocoderFlightServer(cfg.Vocoder.Listen, bridge.DefaultToneVocoder())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to init Flight server")
		}
		go func() {
			<-ctx.Done()
			server.Shutdown()
		}()
		if cfg.Server.Listen == "" {
			if err := server.Serve(); err != nil {
				log.Fatal().Err(err).Msg("Flight server failed")
			}
			return
		}
		go func() {
			if err := server.Serve(); err != nil {
				log.Error().Err(err).Msg("Flight server failed")
			}
		}()
	}

	rt, err := Build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	defer rt.Close()

	// Server Mode
	if cfg.Server.Listen != "" {
		go startServer(cfg.Server.Listen, NewServer(rt.Manager, rt.Vocoder, cfg.Server.MaxConcurrent))
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		return
	}

	if *duration > 0 {
		n := *loremIpsum
		if n <= 0 {
			n = 100
		}
		soak(ctx, rt, generateLorem(n), *duration)
		return
	}

	res, err := oneShot(ctx, rt, *prompt)
	if err != nil {
		log.Fatal().Err(err).Msg("Generation failed")
	}
	fmt.Println(res.Text)
	log.Info().
		Int("tokens", len(res.Tokens)).
		Str("state", res.State.String()).
		Int("prompt_tokens", res.Prefill.Tokens).
		Int("tier", res.Prefill.Tier).
		Float64("tps", res.TokensPerSecond).
		Msg("Generated")
}

func oneShot(ctx context.Context, rt *Runtime, text string) (engine.Result, error) {
	s, err := rt.Manager.Open(ctx, "", nil, nil)
	if err != nil {
		return engine.Result{}, err
	}
	defer rt.Manager.Close(s.ID)
	return rt.Engine.Run(ctx, s, engine.Request{Text: text}, nil)
}

// soak runs prompts round-robin in one session until d elapses, resetting
// the session whenever its cache cannot take the next turn.
func soak(ctx context.Context, rt *Runtime, prompts []string, d time.Duration) {
	log.Info().Str("duration", d.String()).Int("prompts", len(prompts)).Msg("Starting soak test")
	s, err := rt.Manager.Open(ctx, "soak", nil, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open soak session")
	}

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalTokens int64
	var iter, resets int

	for time.Now().Before(endTime) && ctx.Err() == nil {
		req := engine.Request{Text: prompts[iter%len(prompts)]}
		res, err := rt.Engine.Run(ctx, s, req, nil)
		if errors.Is(err, engine.ErrCapacity) {
			if err := rt.Engine.Reset(ctx, s); err != nil {
				log.Fatal().Err(err).Msg("Failed to reset soak session")
			}
			resets++
			continue
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Soak generation failed")
		}
		totalTokens += int64(len(res.Tokens))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int("resets", resets).
				Int64("total_tokens", totalTokens).
				Float64("tps", float64(totalTokens)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_tokens", totalTokens).
		Int("turns", iter).
		Int("resets", resets).
		Dur("total_time", totalElapsed).
		Float64("avg_tps", float64(totalTokens)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func generateLorem(n int) []string {
	base := "lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor"
	res := make([]string, n)
	for i := 0; i < n; i++ {
		res[i] = fmt.Sprintf("%s %s", base, loremWords[i%len(loremWords)])
	}
	return res
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("nock"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
