package feishu

import "testing"

func TestParseEventURLVerification(t *testing.T) {
	parsed, err := ParseEvent([]byte(`{"type":"url_verification","challenge":"abc123"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Challenge != "abc123" {
		t.Fatalf("unexpected challenge %q", parsed.Challenge)
	}
}

func TestParseEventTextMessage(t *testing.T) {
	raw := []byte(`{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}},
			"message": {"message_type": "text", "content": "{\"text\":\"订餐\"}"}
		}
	}`)

	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Message == nil {
		t.Fatalf("expected a message event")
	}
	if parsed.Message.SenderOpenID != "ou_alice" || parsed.Message.Text != "订餐" {
		t.Fatalf("unexpected message %+v", parsed.Message)
	}
}

func TestParseEventIgnoresNonTextMessages(t *testing.T) {
	raw := []byte(`{
		"header": {"event_type": "im.message.receive_v1"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}},
			"message": {"message_type": "image", "content": "{}"}
		}
	}`)

	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Message != nil || parsed.CardAction != nil {
		t.Fatalf("expected non-text messages to be dropped")
	}
}

func TestParseEventCardAction(t *testing.T) {
	raw := []byte(`{
		"header": {"event_type": "card.action.trigger"},
		"event": {
			"operator": {"open_id": "ou_alice"},
			"action": {"value": {"action": "toggle_meal", "toggle_meal": "lunch"}}
		}
	}`)

	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.CardAction == nil {
		t.Fatalf("expected a card action")
	}
	if parsed.CardAction.OperatorOpenID != "ou_alice" {
		t.Fatalf("unexpected operator %q", parsed.CardAction.OperatorOpenID)
	}
	if parsed.CardAction.Value["toggle_meal"] != "lunch" {
		t.Fatalf("unexpected value %v", parsed.CardAction.Value)
	}
}

func TestParseEventUnknownTypeIsEmpty(t *testing.T) {
	parsed, err := ParseEvent([]byte(`{"header":{"event_type":"im.chat.updated_v1"},"event":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Challenge != "" || parsed.Message != nil || parsed.CardAction != nil {
		t.Fatalf("expected empty parse for unconsumed event types")
	}
}

func TestParseEventRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`{not json`)); err == nil {
		t.Fatalf("expected an error for malformed payloads")
	}
}

func TestCardActionResponsePayload(t *testing.T) {
	response := CardActionResponse{
		ToastType: "success",
		ToastText: "Saved.",
		Card:      map[string]any{"schema": "2.0"},
	}

	payload := response.Payload()
	toast, ok := payload["toast"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing toast")
	}
	if toast["type"] != "success" || toast["content"] != "Saved." {
		t.Fatalf("unexpected toast %v", toast)
	}
	card, ok := payload["card"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing card")
	}
	if card["type"] != "raw" {
		t.Fatalf("unexpected card wrapper %v", card)
	}

	bare := CardActionResponse{ToastType: "error", ToastText: "nope"}
	if _, present := bare.Payload()["card"]; present {
		t.Fatalf("payload must omit the card when none is set")
	}
}
