// README: Publishes committed order transitions to the event broker.
package order

import (
	"context"
	"encoding/json"
	"time"
)

type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// eventMessage is the broker wire format of an Event.
type eventMessage struct {
	OrderID    string    `json:"orderId"`
	CustomerID string    `json:"customerId"`
	DriverID   *string   `json:"driverId,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ActorRole  string    `json:"actorRole"`
	ActorID    *string   `json:"actorId,omitempty"`
	At         time.Time `json:"at"`
}

type BrokerPublisher struct {
	broker Broker
}

func NewBrokerPublisher(b Broker) *BrokerPublisher {
	return &BrokerPublisher{broker: b}
}

// PublishOrderEvent routes e under "order.<to-status>".
func (p *BrokerPublisher) PublishOrderEvent(ctx context.Context, e Event) error {
	body, err := json.Marshal(eventMessage{
		OrderID:    string(e.OrderID),
		CustomerID: string(e.CustomerID),
		DriverID:   toStringPtr(e.DriverID),
		From:       string(e.FromStatus),
		To:         string(e.ToStatus),
		ActorRole:  string(e.ActorRole),
		ActorID:    toStringPtr(e.ActorID),
		At:         e.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, RoutingKey(e.ToStatus), body)
}

func RoutingKey(s Status) string {
	return "order." + string(s)
}
