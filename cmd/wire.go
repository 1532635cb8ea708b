package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/spf13/viper"
	weaviateClient "github.com/weaviate/weaviate-go-client/v4/weaviate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"webrag/src/core/chunking"
	"webrag/src/core/contentcache"
	"webrag/src/core/embedding"
	"webrag/src/core/ingestion"
	"webrag/src/core/knowledge"
	"webrag/src/core/progress"
	"webrag/src/core/retrieval"
	"webrag/src/infrastructure/integrations"
	"webrag/src/infrastructure/integrations/fetcher"
	"webrag/src/infrastructure/job"
	"webrag/src/infrastructure/log"
	"webrag/src/infrastructure/metrics"
	"webrag/src/storage/badger"
	"webrag/src/storage/minioctrl"
	"webrag/src/storage/postgres/cachectrl"
	"webrag/src/storage/postgres/chunkctrl"
	"webrag/src/storage/rediscache"
	"webrag/src/storage/weaviate"
)

type role int

const (
	// roleServer serves the API. It executes jobs itself unless the queue is AMQP.
	roleServer role = iota
	// roleWorker only executes queued jobs.
	roleWorker
	// roleLocal runs everything in-process for one-shot CLI commands.
	roleLocal
)

// app holds the wired components of one process.
type app struct {
	engine      *ingestion.Engine
	broadcaster *progress.Broadcaster
	cache       *contentcache.Cache
	jobs        *job.Service
	metrics     *metrics.Collector

	logger  watermill.LoggerAdapter
	jobsSub message.Subscriber

	db      *gorm.DB
	badger  *badger.DB
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.jobs != nil {
		if err := a.jobs.Close(shutdownTimeout()); err != nil {
			log.Error(err, "Failed to release job pool")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Error(err, "Error during shutdown")
		}
	}
}

func buildApp(ctx context.Context, r role) (*app, error) {
	a := &app{
		logger:  log.NewWatermillAdapter(log.WithName("watermill")),
		metrics: metrics.NewCollector(),
	}
	if err := a.wire(ctx, r); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, r role) error {
	backend := viper.GetString("queue.backend")
	if r == roleLocal {
		backend = "gochannel"
	}

	var (
		progressPub message.Publisher
		progressSub message.Subscriber
		jobsPub     message.Publisher
	)
	switch backend {
	case "gochannel":
		// Progress publishes block until the broadcaster acks, which keeps
		// updates of one session in order.
		progressPubSub := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, a.logger)
		jobsPubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, a.logger)
		a.onClose(progressPubSub.Close)
		a.onClose(jobsPubSub.Close)
		progressPub, progressSub = progressPubSub, progressPubSub
		jobsPub, a.jobsSub = jobsPubSub, jobsPubSub
	case "amqp":
		var err error
		progressPub, progressSub, jobsPub, err = a.wireAMQP(r)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown queue backend %q", backend)
	}

	cacheStore, err := a.cacheStore(ctx)
	if err != nil {
		return err
	}
	a.cache = contentcache.New(cacheStore,
		contentcache.WithTTL(viper.GetDuration("cache.ttl")),
		contentcache.WithObserver(a.metrics),
	)

	store, err := a.vectorStore(ctx)
	if err != nil {
		return err
	}

	archive, err := a.archive(ctx)
	if err != nil {
		return err
	}

	tokenizer, tokenizers, err := newTokenizers(providerDefaults().EmbeddingModel)
	if err != nil {
		return err
	}
	chunker := chunking.New(tokenizer,
		chunking.WithChunkSize(viper.GetInt("chunk.size")),
		chunking.WithOverlap(viper.GetInt("chunk.overlap")),
	)

	composer := retrieval.NewComposer(store,
		retrieval.WithTopK(viper.GetInt("query.top_k")),
		retrieval.WithContextTokens(viper.GetInt("query.context_tokens")),
		retrieval.WithMaxAnswerTokens(viper.GetInt("query.max_answer_tokens")),
		retrieval.WithPricing(pricing()),
		retrieval.WithTokenCounter(tokenizer),
		retrieval.WithEmbedRetry(embedRetryPolicy()),
		retrieval.WithObserver(a.metrics),
	)

	batcher := []embedding.Option{
		embedding.WithBatchSize(viper.GetInt("embed.batch_size")),
		embedding.WithConcurrency(viper.GetInt("embed.concurrency")),
		embedding.WithRetryPolicy(embedRetryPolicy()),
		embedding.WithObserver(a.metrics),
	}
	if rate := viper.GetFloat64("embed.rate_per_second"); rate > 0 {
		batcher = append(batcher, embedding.WithRateLimit(rate, viper.GetInt("embed.rate_burst")))
	}

	if progressSub != nil {
		a.broadcaster = progress.NewBroadcaster(progress.WithRetention(viper.GetDuration("progress.retention")))
		if err := a.broadcaster.Listen(ctx, progressSub, progress.Topic); err != nil {
			return fmt.Errorf("failed to subscribe to progress: %w", err)
		}
	}

	repo, err := a.jobRepository()
	if err != nil {
		return err
	}

	registry := integrations.NewRegistry(nil)
	a.engine, err = ingestion.NewEngine(ingestion.Deps{
		Cache:       a.cache,
		Chunker:     chunker,
		Tokenizers:  tokenizers,
		Store:       store,
		Providers:   registry.Factory(),
		Defaults:    providerDefaults(),
		Batcher:     batcher,
		Composer:    composer,
		Publisher:   progress.NewPublisher(progressPub),
		Broadcaster: a.broadcaster,
		Dispatcher: ingestion.DispatcherFunc(func(ctx context.Context, j ingestion.Job) error {
			return a.jobs.Dispatch(ctx, j)
		}),
		Fetcher:      fetcher.NewHTTPFetcher(&http.Client{Timeout: fetcher.DefaultTimeout}, fetcher.DefaultMaxBytes),
		Archive:      archive,
		HealthChecks: a.healthChecks(map[string]any{"vector_store": store, "cache_store": cacheStore, "archive": archive}),
	})
	if err != nil {
		return err
	}

	var executor job.Executor
	if a.jobsSub != nil {
		executor = a.engine
	}
	a.jobs, err = job.NewService(jobsPub, repo, a.logger, executor, viper.GetInt("queue.workers"))
	return err
}

// wireAMQP connects the job queue and progress exchange to RabbitMQ. Jobs use
// a durable work queue; progress is fanned out to every API process.
func (a *app) wireAMQP(r role) (message.Publisher, message.Subscriber, message.Publisher, error) {
	amqpURL := viper.GetString("amqp.url")

	jobsPub, err := amqp.NewPublisher(amqp.NewDurableQueueConfig(amqpURL), a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create job publisher: %w", err)
	}
	a.onClose(jobsPub.Close)

	progressConfig := progressQueueConfig(amqpURL)
	progressPub, err := amqp.NewPublisher(progressConfig, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create progress publisher: %w", err)
	}
	a.onClose(progressPub.Close)

	var progressSub message.Subscriber
	if r == roleServer {
		sub, err := amqp.NewSubscriber(progressConfig, a.logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create progress subscriber: %w", err)
		}
		a.onClose(sub.Close)
		progressSub = sub
	}

	if r == roleWorker {
		subscriberConfig := amqp.NewDurableQueueConfig(amqpURL)
		subscriberConfig.Consume.NoRequeueOnNack = true
		sub, err := amqp.NewSubscriber(subscriberConfig, a.logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create job subscriber: %w", err)
		}
		a.onClose(sub.Close)
		a.jobsSub = sub
	}

	return progressPub, progressSub, jobsPub, nil
}

// progressQueueConfig binds each process to its own progress queue so every
// replica sees every update. The queue goes away with the connection.
func progressQueueConfig(amqpURL string) amqp.Config {
	cfg := amqp.NewNonDurablePubSubConfig(amqpURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("api_"+watermill.NewShortUUID()))
	cfg.Queue.AutoDelete = true
	return cfg
}

// startJobs runs the job router until ctx is done. It returns once the router
// is subscribed, so jobs dispatched afterwards are not lost.
func (a *app) startJobs(ctx context.Context) error {
	if a.jobsSub == nil {
		return nil
	}
	router, err := a.jobs.NewRouter(a.jobsSub)
	if err != nil {
		return err
	}
	a.onClose(router.Close)

	go func() {
		if err := router.Run(ctx); err != nil {
			log.Error(err, "Job router stopped")
		}
	}()
	<-router.Running()
	return nil
}

func (a *app) postgres() (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		viper.GetString("postgres.host"),
		viper.GetString("postgres.user"),
		viper.GetString("postgres.password"),
		viper.GetString("postgres.db"),
		viper.GetString("postgres.port"))
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}
	a.onClose(sqlDB.Close)
	a.db = db
	return db, nil
}

func (a *app) embedded() (*badger.DB, error) {
	if a.badger != nil {
		return a.badger, nil
	}
	db, err := badger.Open(viper.GetString("badger.path"), viper.GetBool("badger.in_memory"))
	if err != nil {
		return nil, err
	}
	a.onClose(db.Close)
	a.badger = db
	return db, nil
}

func (a *app) cacheStore(ctx context.Context) (contentcache.Store, error) {
	switch backend := viper.GetString("cache.backend"); backend {
	case "postgres":
		db, err := a.postgres()
		if err != nil {
			return nil, err
		}
		return cachectrl.NewCacheService(db)
	case "redis":
		store, err := rediscache.NewCacheStore(ctx, rediscache.Config{
			Addr:      viper.GetString("redis.addr"),
			Password:  viper.GetString("redis.password"),
			DB:        viper.GetInt("redis.db"),
			PoolSize:  viper.GetInt("redis.pool_size"),
			KeyPrefix: viper.GetString("redis.key_prefix"),
		})
		if err != nil {
			return nil, err
		}
		a.onClose(store.Close)
		return store, nil
	case "badger":
		db, err := a.embedded()
		if err != nil {
			return nil, err
		}
		return badger.NewCacheStore(db), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

func (a *app) vectorStore(ctx context.Context) (knowledge.VectorStore, error) {
	dims := viper.GetInt("vector.dimensions")

	switch backend := viper.GetString("vector.backend"); backend {
	case "postgres":
		db, err := a.postgres()
		if err != nil {
			return nil, err
		}
		store, err := chunkctrl.NewChunkService(db, dims)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "weaviate":
		wc := weaviateClient.New(weaviateClient.Config{
			Host:   viper.GetString("weaviate.url"),
			Scheme: viper.GetString("weaviate.scheme"),
		})
		store := weaviate.NewVectorStore(weaviate.NewSDK(wc), viper.GetString("weaviate.class"), dims)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "badger":
		db, err := a.embedded()
		if err != nil {
			return nil, err
		}
		return badger.NewVectorStore(db, dims), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", backend)
	}
}

func (a *app) archive(ctx context.Context) (knowledge.Archive, error) {
	if !viper.GetBool("minio.enabled") {
		return nil, nil
	}
	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
		viper.GetString("minio.bucket"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio service: %w", err)
	}
	if err := minioService.EnsureBucketExists(ctx); err != nil {
		return nil, err
	}
	return minioService, nil
}

func (a *app) jobRepository() (job.Repository, error) {
	if viper.GetString("jobs.store") != "postgres" {
		return job.NewMemoryRepository(), nil
	}
	db, err := a.postgres()
	if err != nil {
		return nil, err
	}
	return job.NewPostgresRepository(db)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthChecks probes postgres and every component that can ping its backend.
func (a *app) healthChecks(components map[string]any) map[string]func(ctx context.Context) error {
	checks := make(map[string]func(ctx context.Context) error)
	if a.db != nil {
		checks["postgres"] = func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	for name, component := range components {
		if p, ok := component.(pinger); ok {
			checks[name] = p.Ping
		}
	}
	checks["content_cache"] = func(ctx context.Context) error {
		_, err := a.cache.Stats(ctx)
		return err
	}
	return checks
}

// newTokenizers returns the tokenizer of the default embedding model and a
// resolver for per-request overrides. The resolver is nil in "words" mode.
func newTokenizers(embeddingModel string) (chunking.Tokenizer, ingestion.TokenizerResolver, error) {
	if viper.GetString("chunk.tokenizer") == "words" {
		return chunking.WordTokenizer{}, nil, nil
	}
	fallback, err := chunking.NewTiktokenEncoding(viper.GetString("chunk.encoding"))
	if err != nil {
		return nil, nil, err
	}
	resolver := chunking.NewResolver(fallback)
	return resolver.ForModel(embeddingModel), resolver, nil
}

// waitTerminal blocks until sessionID of projectID reaches a terminal state.
func waitTerminal(ctx context.Context, updates <-chan progress.Update, sessionID string, onUpdate func(progress.Update)) (progress.Update, error) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return progress.Update{}, ctx.Err()
			}
			if u.SessionID != sessionID {
				continue
			}
			onUpdate(u)
			if u.Status.Terminal() {
				return u, nil
			}
		case <-ctx.Done():
			return progress.Update{}, ctx.Err()
		case <-time.After(time.Hour):
			return progress.Update{}, fmt.Errorf("no progress for session %s", sessionID)
		}
	}
}
