package consumer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

type handlerRegistration struct {
	Name         string
	ConsumeQueue string
	Subscriber   message.Subscriber
	PublishQueue string
	Publisher    message.Publisher
	Handler      message.HandlerFunc
}

// MessageHandlerRegistration wires a raw Watermill handler without typed helpers.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return ErrServiceRequired
	}

	return svc.registerHandler(handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Subscriber:   cfg.Subscriber,
		Publisher:    cfg.Publisher,
		Handler:      cfg.Handler,
	})
}

func (s *Service) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil {
		return ErrHandlerRequired
	}
	if cfg.ConsumeQueue == "" {
		return ErrConsumeQueueRequired
	}
	if cfg.Name == "" {
		return ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Publisher == nil && cfg.PublishQueue != "" {
		cfg.Publisher = s.publisher
	}

	stats := newHandlerStats(cfg.Name, cfg.ConsumeQueue, cfg.PublishQueue)
	info := &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Stats:        stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	cfg.Handler = wrapHandlerWithStats(cfg.Handler, info, stats, s.getErrorClassifier())

	// Handlers without a publish queue consume only; anything they return is
	// discarded. The document pipeline works this way, its events leave
	// through the outbox relay instead of the router.
	if cfg.PublishQueue == "" {
		s.router.AddNoPublisherHandler(
			cfg.Name,
			cfg.ConsumeQueue,
			cfg.Subscriber,
			func(msg *message.Message) error {
				_, err := cfg.Handler(msg)
				return err
			},
		)
		return nil
	}

	s.router.AddHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		cfg.PublishQueue,
		cfg.Publisher,
		cfg.Handler,
	)

	return nil
}

func wrapHandlerWithStats(handler message.HandlerFunc, info *HandlerInfo, stats *HandlerStats, classifier ErrorClassifier) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if _, ok := msg.Metadata["handler_name"]; !ok {
			msg.Metadata["handler_name"] = info.Name
		}
		// The message UUID travels in the broker headers and survives
		// redelivery, so handlers can use it for duplicate suppression.
		// Producers outside watermill set no UUID header and every delivery
		// arrives with an empty UUID; hash the payload instead so distinct
		// events get distinct keys while redeliveries still collide.
		if _, ok := msg.Metadata["message_uuid"]; !ok {
			uuid := msg.UUID
			if uuid == "" {
				sum := sha256.Sum256(msg.Payload)
				uuid = hex.EncodeToString(sum[:])
			}
			msg.Metadata["message_uuid"] = uuid
		}
		if _, ok := msg.Metadata["received_topic"]; !ok {
			msg.Metadata["received_topic"] = info.ConsumeQueue
		}

		// Retries re-enter here through the retry middleware; count the
		// attempts on the message so terminal failure handling can report
		// how often processing actually ran.
		attempts := 0
		if v := msg.Metadata["processing_attempts"]; v != "" {
			attempts, _ = strconv.Atoi(v)
		}
		attempts++
		msg.Metadata["processing_attempts"] = strconv.Itoa(attempts)

		stats.onMessageStart()
		start := time.Now()
		msgs, err := handler(msg)
		duration := time.Since(start)

		stats.onMessageFinish(duration, err, classifier)

		return msgs, err
	}
}
