package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/adjutant-ai/adjutant/internal/config"
	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

const rpcTimeout = 30 * time.Second

// gatewayRPC dials the local gateway, authenticates and performs a single
// request. Event frames arriving in between are skipped.
func gatewayRPC(method string, params json.RawMessage) (*protocol.ResponseFrame, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	u := url.URL{Scheme: "ws", Host: cfg.Gateway.Addr(), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s: %w", cfg.Gateway.Addr(), err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(rpcTimeout))

	connectParams, _ := json.Marshal(map[string]string{"token": cfg.Gateway.Token})
	if _, err := roundTrip(conn, protocol.MethodConnect, connectParams); err != nil {
		return nil, fmt.Errorf("connect handshake: %w", err)
	}

	return roundTrip(conn, method, params)
}

func roundTrip(conn *websocket.Conn, method string, params json.RawMessage) (*protocol.ResponseFrame, error) {
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		frameType, err := protocol.ParseFrameType(data)
		if err != nil || frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		if resp.ID != req.ID {
			continue
		}
		if !resp.OK && resp.Error != nil && method == protocol.MethodConnect {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return &resp, nil
	}
}

// decodePayload re-marshals a response payload into a typed struct.
func decodePayload(resp *protocol.ResponseFrame, v any) error {
	raw, err := json.Marshal(resp.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// mustOK exits with the server's error when the response is not ok.
func mustOK(resp *protocol.ResponseFrame, err error) *protocol.ResponseFrame {
	if err != nil {
		fatal("%s", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			fatal("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		fatal("request failed")
	}
	return resp
}
