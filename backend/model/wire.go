package model

import "encoding/json"

// serverEventWire is the on-the-wire shape: {"type":"...","payload":{...}}.
type serverEventWire struct {
	Type    ServerEventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	Message string `json:"message"`
}

// MarshalJSON renders the event in the tagged {"type","payload"} shape
// the client protocol expects.
func (e ServerEvent) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Type {
	case EventTicker:
		payload = e.Ticker
	case EventOrderBookSnapshot:
		payload = e.Snap
	case EventOrderBookDelta:
		payload = e.Delta
	case EventInfo, EventError:
		payload = messagePayload{Message: e.Message}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(serverEventWire{Type: e.Type, Payload: raw})
}

// UnmarshalJSON is provided mainly for tests that round-trip events.
func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var wire serverEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.Type = wire.Type
	switch wire.Type {
	case EventTicker:
		var t Ticker
		if err := json.Unmarshal(wire.Payload, &t); err != nil {
			return err
		}
		e.Ticker = &t
	case EventOrderBookSnapshot:
		var s OrderBookSnapshot
		if err := json.Unmarshal(wire.Payload, &s); err != nil {
			return err
		}
		e.Snap = &s
	case EventOrderBookDelta:
		var d OrderBookDelta
		if err := json.Unmarshal(wire.Payload, &d); err != nil {
			return err
		}
		e.Delta = &d
	case EventInfo, EventError:
		var m messagePayload
		if err := json.Unmarshal(wire.Payload, &m); err != nil {
			return err
		}
		e.Message = m.Message
	}
	return nil
}

// clientRequestWire mirrors the {"op":"...", "channels":[...]} shape.
type clientRequestWire struct {
	Op       ClientRequestOp `json:"op"`
	Channels []Channel       `json:"channels"`
}

// ParseClientRequest decodes one inbound text frame. MarketType on
// each channel defaults to spot when omitted, per the wire contract.
func ParseClientRequest(data []byte) (ClientRequest, error) {
	var wire clientRequestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return ClientRequest{}, err
	}
	for i := range wire.Channels {
		if wire.Channels[i].MarketType == "" {
			wire.Channels[i].MarketType = MarketSpot
		}
	}
	return ClientRequest{Op: wire.Op, Channels: wire.Channels}, nil
}
