package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	anthropicprovider "github.com/chorus-llm/chorus/features/provider/anthropic"
	openaiprovider "github.com/chorus-llm/chorus/features/provider/openai"
	pulsefeature "github.com/chorus-llm/chorus/features/stream/pulse"
	clientspulse "github.com/chorus-llm/chorus/features/stream/pulse/clients/pulse"
	turnsmongo "github.com/chorus-llm/chorus/features/turns/mongo"
	clientsmongo "github.com/chorus-llm/chorus/features/turns/mongo/clients/mongo"
	"github.com/chorus-llm/chorus/runtime/orchestrator/conn"
	"github.com/chorus-llm/chorus/runtime/orchestrator/delta"
	"github.com/chorus-llm/chorus/runtime/orchestrator/fanout"
	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/telemetry"
	"github.com/chorus-llm/chorus/runtime/orchestrator/workflow"
)

func main() {
	var (
		redisAddrF     = flag.String("redis-addr", "localhost:6379", "Redis address backing Pulse streams")
		redisPassF     = flag.String("redis-password", "", "Redis password")
		mongoURIF      = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
		mongoDBF       = flag.String("mongo-db", "chorus", "MongoDB database name")
		commandStreamF = flag.String("command-stream", "chorus/commands", "Pulse stream carrying inbound commands")
		anthropicKeyF  = flag.String("anthropic-api-key", os.Getenv("ANTHROPIC_API_KEY"), "Anthropic API key")
		anthropicModF  = flag.String("anthropic-model", "claude-sonnet-4-5", "Anthropic model identifier")
		openaiKeyF     = flag.String("openai-api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
		openaiModF     = flag.String("openai-model", "gpt-4o", "OpenAI model identifier")
		httpAddrF      = flag.String("http-addr", ":8080", "Health and debug HTTP listen address")
		dbgF           = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "redis-addr", V: *redisAddrF}, log.KV{K: "mongo-db", V: *mongoDBF})

	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddrF,
		Password: *redisPassF,
	})
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize pulse client")
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	mongoConn, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(*mongoURIF))
	cancelConnect()
	if err != nil {
		log.Fatalf(ctx, err, "failed to connect to mongo")
	}
	defer func() {
		_ = mongoConn.Disconnect(context.Background())
	}()
	mongoClient, err := clientsmongo.New(clientsmongo.Options{
		Client:   mongoConn,
		Database: *mongoDBF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize mongo client")
	}
	repo, err := turnsmongo.New(mongoClient)
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize turns store")
	}

	registry := provider.NewRegistry()
	if *anthropicKeyF != "" {
		adapter, err := anthropicprovider.NewFromAPIKey(*anthropicKeyF, anthropicprovider.Options{Model: *anthropicModF})
		if err != nil {
			log.Fatalf(ctx, err, "failed to initialize anthropic adapter")
		}
		if err := registry.Register("anthropic", adapter); err != nil {
			log.Fatalf(ctx, err, "failed to register anthropic adapter")
		}
	}
	if *openaiKeyF != "" {
		adapter, err := openaiprovider.NewFromAPIKey(*openaiKeyF, openaiprovider.Options{Model: *openaiModF})
		if err != nil {
			log.Fatalf(ctx, err, "failed to initialize openai adapter")
		}
		if err := registry.Register("openai", adapter); err != nil {
			log.Fatalf(ctx, err, "failed to register openai adapter")
		}
	}
	if len(registry.IDs()) == 0 {
		log.Fatal(ctx, fmt.Errorf("no providers configured: set at least one API key"))
	}
	log.Print(ctx, log.KV{K: "providers", V: registry.IDs()})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	sink, err := pulsefeature.NewSink(pulsefeature.SinkOptions{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize stream sink")
	}
	dispatcher := fanout.NewDispatcher(registry, fanout.NewCancelRegistry(), logger, metrics)
	coordinator, err := workflow.New(workflow.Options{
		Dispatcher: dispatcher,
		Repository: repo,
		Sink:       sink,
		Tracker:    delta.NewTracker(logger),
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize coordinator")
	}

	channel, err := pulsefeature.NewChannel(pulsefeature.ChannelOptions{
		Client:   pulseClient,
		StreamID: *commandStreamF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize command channel")
	}
	session, err := conn.NewSession(conn.Options{
		Channel:     channel,
		Coordinator: coordinator,
		Sink:        sink,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to initialize connection session")
	}
	if err := session.Open(ctx); err != nil {
		log.Fatalf(ctx, err, "failed to open command channel")
	}

	mux := http.NewServeMux()
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)
	mux.Handle("/healthz", health.Handler(health.NewChecker(mongoClient, redisPinger{rdb})))
	httpServer := &http.Server{Addr: *httpAddrF, Handler: mux}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "http-addr", V: *httpAddrF})
		errc <- httpServer.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := session.Close(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "closing connection session")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutting down http server")
	}
	log.Printf(ctx, "exited")
}

// redisPinger adapts the Redis client to the clue health checker.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
