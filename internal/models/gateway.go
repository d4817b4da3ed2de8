package models

import "time"

// Direction of a logged gateway message.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageStatus represents the delivery status of a logged message.
type MessageStatus string

const (
	// MessageStatusReceived marks an inbound message accepted for processing.
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusQueued marks an outbound message about to be handed to the provider.
	MessageStatusQueued MessageStatus = "queued"
	// MessageStatusSent indicates the provider accepted the message.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the provider reported handset delivery.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusDropped marks an inbound message that was audited and not processed.
	MessageStatusDropped MessageStatus = "dropped"
)

// GatewayMessage is one row of the append-only message audit log.
type GatewayMessage struct {
	ID                string        `json:"id"`
	Direction         Direction     `json:"direction"`
	Channel           Channel       `json:"channel"`
	Phone             string        `json:"phone"`
	Payload           string        `json:"payload"`
	Status            MessageStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	FlowID            string        `json:"flow_id,omitempty"`
	SessionID         string        `json:"session_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
}

// MessageFilter narrows a message log listing.
type MessageFilter struct {
	Phone   string
	Channel Channel
	Limit   int
}

// OptIn records a phone's consent to receive messages on a channel.
type OptIn struct {
	Phone     string    `json:"phone"`
	Channel   Channel   `json:"channel"`
	OptedIn   bool      `json:"opted_in"`
	Source    string    `json:"source,omitempty"`
	ConsentAt time.Time `json:"consent_at"`
	Locale    string    `json:"locale,omitempty"`
}

// InboundEvent is a channel event delivered by a provider webhook.
type InboundEvent struct {
	Channel    Channel   `json:"channel"`
	Phone      string    `json:"phone"`
	Body       string    `json:"body,omitempty"`
	USSDCode   string    `json:"ussd_code,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Locale     string    `json:"locale,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// RoutingInput is the text a fresh event is routed on: the dialed code for the first
// request of a USSD session, the body otherwise.
func (e *InboundEvent) RoutingInput() string {
	if e.Channel == ChannelUSSD && e.Body == "" && e.USSDCode != "" {
		return e.USSDCode
	}
	return e.Body
}
