package broker

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// InMemoryFactory allows overriding the in-memory channel creation for testing.
var InMemoryFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// NewInMemory returns a transport backed by Go channels. Useful for tests and
// local development; deliveries are not durable.
func NewInMemory(logger watermill.LoggerAdapter) *Transport {
	pub, sub := InMemoryFactory(gochannel.Config{}, logger)
	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
	}
}
