package feishu

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	eventTypeMessageReceive = "im.message.receive_v1"
	eventTypeCardAction     = "card.action.trigger"
)

// MessageEvent is an inbound direct message from a user.
type MessageEvent struct {
	SenderOpenID string
	Text         string
}

// CardActionRequest is a button press on a reservation card. Value carries
// the callback state the card embedded; FormValue carries form inputs, when
// present.
type CardActionRequest struct {
	OperatorOpenID string
	Value          map[string]any
	FormValue      map[string]any
}

// CardActionResponse is the synchronous reply to a card action: a toast and,
// optionally, a replacement card document.
type CardActionResponse struct {
	ToastType string
	ToastText string
	Card      map[string]any
}

// Payload renders the response in the wire shape the platform expects.
func (r CardActionResponse) Payload() map[string]any {
	payload := map[string]any{
		"toast": map[string]any{
			"type":    r.ToastType,
			"content": r.ToastText,
		},
	}
	if r.Card != nil {
		payload["card"] = map[string]any{
			"type": "raw",
			"data": r.Card,
		}
	}
	return payload
}

// EventHandler processes inbound platform events. Implemented by the booking
// service; consumed by both the websocket and webhook transports.
type EventHandler interface {
	HandleMessage(ctx context.Context, event MessageEvent) error
	HandleCardAction(ctx context.Context, request CardActionRequest) (CardActionResponse, error)
}

type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Header    struct {
		EventType string `json:"event_type"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

type messageEventBody struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

type cardActionBody struct {
	Operator struct {
		OpenID string `json:"open_id"`
	} `json:"operator"`
	Action struct {
		Value     map[string]any `json:"value"`
		FormValue map[string]any `json:"form_value"`
	} `json:"action"`
}

// ParsedEvent is the result of decoding one raw event frame. Exactly one of
// the pointer fields is set; Challenge handles the url_verification
// handshake.
type ParsedEvent struct {
	Challenge  string
	Message    *MessageEvent
	CardAction *CardActionRequest
}

// ParseEvent decodes a raw event payload into its typed form. Event types the
// bot does not consume decode to an empty ParsedEvent.
func ParseEvent(raw []byte) (ParsedEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ParsedEvent{}, fmt.Errorf("decode event envelope: %w", err)
	}

	if envelope.Type == "url_verification" && envelope.Challenge != "" {
		return ParsedEvent{Challenge: envelope.Challenge}, nil
	}

	switch envelope.Header.EventType {
	case eventTypeMessageReceive:
		var body messageEventBody
		if err := json.Unmarshal(envelope.Event, &body); err != nil {
			return ParsedEvent{}, fmt.Errorf("decode message event: %w", err)
		}
		if body.Message.MessageType != "text" {
			return ParsedEvent{}, nil
		}
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(body.Message.Content), &content); err != nil {
			return ParsedEvent{}, fmt.Errorf("decode message content: %w", err)
		}
		return ParsedEvent{Message: &MessageEvent{
			SenderOpenID: body.Sender.SenderID.OpenID,
			Text:         content.Text,
		}}, nil

	case eventTypeCardAction:
		var body cardActionBody
		if err := json.Unmarshal(envelope.Event, &body); err != nil {
			return ParsedEvent{}, fmt.Errorf("decode card action: %w", err)
		}
		return ParsedEvent{CardAction: &CardActionRequest{
			OperatorOpenID: body.Operator.OpenID,
			Value:          body.Action.Value,
			FormValue:      body.Action.FormValue,
		}}, nil
	}

	return ParsedEvent{}, nil
}
