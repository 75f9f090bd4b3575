package container

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/forum-coord/internal/events"
	"github.com/serroba/forum-coord/internal/health"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/memoizer"
	"github.com/serroba/forum-coord/internal/metrics"
	"github.com/serroba/forum-coord/internal/mutex"
	"github.com/serroba/forum-coord/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	// EnvironmentTest disables rate limiting.
	EnvironmentTest = "test"
)

type Options struct {
	RedisAddr        string `default:"localhost:6379" help:"Redis server address"                                 short:"r"`
	RedisDB          int    `default:"0"              help:"Redis database number"`
	LogFormat        string `default:"console"        help:"Log format: console or json"`
	Environment      string `default:"production"     help:"Deployment environment, rate limits are off in test"  short:"e"`
	LockValidity     int    `default:"60"             help:"Mutex lease validity in seconds"`
	ReadOnlyAttempts int    `default:"10"             help:"Lock attempts tolerated while the store is read-only"`
	EventsBackend    string `default:"redis"          help:"Event transport: redis or memory"`
	ConsumerGroup    string `default:"coord-events"   help:"Redis stream consumer group"`
}

// NewLogger builds the process logger for format.
func NewLogger(format string) (*zap.Logger, error) {
	switch format {
	case "json":
		return zap.NewProduction()
	case "console", "":
		return zap.NewDevelopment()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		return NewLogger(opts.LogFormat)
	})
}

// RedisPackage provides the shared store. It owns the Redis client and closes it on shutdown.
func RedisPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*kvstore.Redis, error) {
		opts := do.MustInvoke[*Options](i)

		client := redis.NewClient(&redis.Options{
			Addr: opts.RedisAddr,
			DB:   opts.RedisDB,
		})

		return kvstore.NewRedis(client), nil
	})

	do.Provide(injector, func(i *do.Injector) (*health.Handler, error) {
		return health.NewHandler(do.MustInvoke[*kvstore.Redis](i)), nil
	})
}

func MetricsPackage(injector *do.Injector) {
	do.Provide(injector, func(_ *do.Injector) (*prometheus.Registry, error) {
		return metrics.NewRegistry(), nil
	})

	do.Provide(injector, func(i *do.Injector) (*metrics.Metrics, error) {
		return metrics.New(do.MustInvoke[*prometheus.Registry](i)), nil
	})
}

// EventsPackage provides the coordination event publishers on the configured backend.
func EventsPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*gochannel.GoChannel, error) {
		logger := do.MustInvoke[*zap.Logger](i)

		return gochannel.NewGoChannel(gochannel.Config{}, events.NewZapLogger(logger)), nil
	})

	do.Provide(injector, func(i *do.Injector) (*events.Publishers, error) {
		publisher, err := newPublisher(i)
		if err != nil {
			return nil, err
		}

		return events.NewPublishers(publisher), nil
	})
}

// CoordinationPackage provides the mutex factory, memoizer and rate limiter factory.
func CoordinationPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*mutex.Factory, error) {
		opts := do.MustInvoke[*Options](i)
		store := do.MustInvoke[*kvstore.Redis](i)
		logger := do.MustInvoke[*zap.Logger](i)
		publishers := do.MustInvoke[*events.Publishers](i)

		return mutex.NewFactory(store,
			mutex.WithValidity(time.Duration(opts.LockValidity)*time.Second),
			mutex.WithReadOnlyGuard(store, opts.ReadOnlyAttempts),
			mutex.WithLogger(logger),
			mutex.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
			mutex.WithOverrunPublisher(publishers.LeaseOverrun),
		), nil
	})

	do.Provide(injector, func(i *do.Injector) (*memoizer.Memoizer, error) {
		return memoizer.New(do.MustInvoke[*kvstore.Redis](i),
			memoizer.WithLogger(do.MustInvoke[*zap.Logger](i)),
			memoizer.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
		), nil
	})

	do.Provide(injector, func(i *do.Injector) (*ratelimit.Switch, error) {
		opts := do.MustInvoke[*Options](i)

		return ratelimit.NewSwitch(opts.Environment == EnvironmentTest), nil
	})

	do.Provide(injector, func(i *do.Injector) (*ratelimit.Factory, error) {
		publishers := do.MustInvoke[*events.Publishers](i)

		return ratelimit.NewFactory(do.MustInvoke[*kvstore.Redis](i), ratelimit.DefaultPolicy(),
			ratelimit.WithSwitch(do.MustInvoke[*ratelimit.Switch](i)),
			ratelimit.WithLogger(do.MustInvoke[*zap.Logger](i)),
			ratelimit.WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
			ratelimit.WithExceededPublisher(publishers.LimitExceeded),
		), nil
	})
}

// ConsumerGroupPackage provides a consumer group logging every coordination event.
func ConsumerGroupPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*events.ConsumerGroup, error) {
		logger := do.MustInvoke[*zap.Logger](i)

		subscriber, err := newSubscriber(i)
		if err != nil {
			return nil, err
		}

		group := events.NewConsumerGroup(subscriber, logger)
		events.NewLogSink(logger).Register(group)

		return group, nil
	})
}

func newPublisher(i *do.Injector) (message.Publisher, error) {
	opts := do.MustInvoke[*Options](i)

	switch opts.EventsBackend {
	case BackendMemory:
		return do.MustInvoke[*gochannel.GoChannel](i), nil
	case BackendRedis:
		store := do.MustInvoke[*kvstore.Redis](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     store.Client(),
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, events.NewZapLogger(logger))
	default:
		return nil, fmt.Errorf("unknown events backend %q", opts.EventsBackend)
	}
}

func newSubscriber(i *do.Injector) (message.Subscriber, error) {
	opts := do.MustInvoke[*Options](i)

	switch opts.EventsBackend {
	case BackendMemory:
		return do.MustInvoke[*gochannel.GoChannel](i), nil
	case BackendRedis:
		store := do.MustInvoke[*kvstore.Redis](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        store.Client(),
			Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: opts.ConsumerGroup,
		}, events.NewZapLogger(logger))
	default:
		return nil, fmt.Errorf("unknown events backend %q", opts.EventsBackend)
	}
}
