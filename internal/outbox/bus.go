package outbox

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/chatflow/pkg/schema"
)

// Message metadata keys set on bus messages.
const (
	MetadataEventType     = "event_type"
	MetadataSessionID     = "session_id"
	MetadataCorrelationID = "correlation_id"
)

// NewGoChannelBus creates the in-process pub/sub used for internal:
// destinations. The same instance publishes and subscribes.
func NewGoChannelBus(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, watermill.NewSlogLogger(logger))
}

// BusDeliverer publishes internal:<topic> events on a watermill publisher.
type BusDeliverer struct {
	publisher message.Publisher
}

// NewBusDeliverer creates a BusDeliverer.
func NewBusDeliverer(publisher message.Publisher) *BusDeliverer {
	return &BusDeliverer{publisher: publisher}
}

func (b *BusDeliverer) Deliver(ctx context.Context, ev *schema.OutboxEvent) error {
	topic := strings.TrimPrefix(ev.Destination, schema.DestinationInternal)
	msg := message.NewMessage(ev.ID, message.Payload(ev.Payload))
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventType, ev.EventType)
	msg.Metadata.Set(MetadataSessionID, ev.SessionID)
	msg.Metadata.Set(MetadataCorrelationID, ev.CorrelationID)
	return b.publisher.Publish(topic, msg)
}
