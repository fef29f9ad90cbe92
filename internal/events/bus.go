package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/danghamo/busline/pkg/logger"
)

// Bus backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// BusConfig selects the transport behind the event bus
type BusConfig struct {
	Backend       string
	TopicPrefix   string
	ConsumerGroup string
	Redis         redis.UniversalClient // required for the redis backend
}

// Bus is a watermill CQRS event bus with its processor and router
type Bus struct {
	eventBus  *cqrs.EventBus
	processor *cqrs.EventProcessor
	router    *message.Router
	pubSub    *gochannel.GoChannel
	logger    *logger.Logger
}

// NewBus builds the publisher, subscriber, router and CQRS components for cfg
func NewBus(cfg BusConfig, log *logger.Logger) (*Bus, error) {
	if cfg.TopicPrefix == "" {
		return nil, fmt.Errorf("topic prefix cannot be empty")
	}

	wmLogger := logger.NewWatermillAdapter(log.WithComponent("watermill"))

	var (
		publisher  message.Publisher
		subscriber message.Subscriber
		pubSub     *gochannel.GoChannel
	)

	switch cfg.Backend {
	case BackendMemory, "":
		pubSub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		publisher, subscriber = pubSub, pubSub
	case BackendRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		var err error
		publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: cfg.Redis}, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
		subscriber, err = redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        cfg.Redis,
			ConsumerGroup: cfg.ConsumerGroup,
		}, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create subscriber: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown event backend: %s", cfg.Backend)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	topic := func(eventName string) string {
		return fmt.Sprintf("%s.%s", cfg.TopicPrefix, eventName)
	}
	marshaler := cqrs.JSONMarshaler{GenerateName: cqrs.StructName}

	eventBus, err := cqrs.NewEventBusWithConfig(publisher, cqrs.EventBusConfig{
		GeneratePublishTopic: func(params cqrs.GenerateEventPublishTopicParams) (string, error) {
			return topic(params.EventName), nil
		},
		Marshaler: marshaler,
		Logger:    wmLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	processor, err := cqrs.NewEventProcessorWithConfig(router, cqrs.EventProcessorConfig{
		GenerateSubscribeTopic: func(params cqrs.EventProcessorGenerateSubscribeTopicParams) (string, error) {
			return topic(params.EventName), nil
		},
		SubscriberConstructor: func(params cqrs.EventProcessorSubscriberConstructorParams) (message.Subscriber, error) {
			return subscriber, nil
		},
		Marshaler: marshaler,
		Logger:    wmLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event processor: %w", err)
	}

	return &Bus{
		eventBus:  eventBus,
		processor: processor,
		router:    router,
		pubSub:    pubSub,
		logger:    log.WithComponent("event-bus"),
	}, nil
}

// Publish implements EventPublisher
func (b *Bus) Publish(ctx context.Context, event interface{}) error {
	return b.eventBus.Publish(ctx, event)
}

// AddHandlers registers event handlers; it must be called before Run
func (b *Bus) AddHandlers(handlers ...cqrs.EventHandler) error {
	return b.processor.AddHandlers(handlers...)
}

// RegisterSSE subscribes h to every event the agent publishes
func (b *Bus) RegisterSSE(h *SSEEventHandler) error {
	return b.AddHandlers(
		cqrs.NewEventHandler("sse.HeartbeatSent", h.HandleHeartbeatSentEvent),
		cqrs.NewEventHandler("sse.PassengerBoarded", h.HandlePassengerBoardedEvent),
		cqrs.NewEventHandler("sse.RosterChanged", h.HandleRosterChangedEvent),
		cqrs.NewEventHandler("sse.CredentialRotated", h.HandleCredentialRotatedEvent),
		cqrs.NewEventHandler("sse.AttendanceOutcome", h.HandleAttendanceOutcomeEvent),
		cqrs.NewEventHandler("sse.Notification", h.HandleSSENotificationEvent),
	)
}

// Run starts the router and blocks until ctx is done or the router stops
func (b *Bus) Run(ctx context.Context) error {
	b.logger.Info("Starting event router")
	return b.router.Run(ctx)
}

// Running is closed once the router handlers are subscribed
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the router and the in-memory pub/sub
func (b *Bus) Close() error {
	err := b.router.Close()
	if b.pubSub != nil {
		if cerr := b.pubSub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		b.logger.Error("Event bus shutdown error", zap.Error(err))
	}
	return err
}
