package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

// MethodHandler processes a single RPC request.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	handlers map[string]MethodHandler
	server   *Server
}

func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{
		handlers: make(map[string]MethodHandler),
		server:   server,
	}
	r.Register(protocol.MethodConnect, r.handleConnect)
	return r
}

// Register adds a method handler.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.handlers[method] = handler
}

// Handle dispatches a request to its handler.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		slog.Warn("gateway: unknown method", "method", req.Method, "client", client.ID())
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}

	slog.Debug("gateway: handling method", "method", req.Method, "client", client.ID(), "reqId", req.ID)
	handler(ctx, client, req)
}

// handleConnect performs the auth handshake. With no token configured every
// client is accepted; otherwise the token must match.
func (r *MethodRouter) handleConnect(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token string `json:"token"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if token := r.server.opts.Token; token != "" && params.Token != token {
		client.sendError(req.ID, protocol.ErrUnauthorized, "invalid token")
		return
	}

	client.authenticated = true
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"protocol": protocol.ProtocolVersion,
		"server": map[string]any{
			"name":    "adjutant",
			"version": Version,
		},
	}))
}

// Version is stamped at build time via -ldflags.
var Version = "dev"
