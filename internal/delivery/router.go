package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoRoute is returned when delivery is requested without a target and the
// session has no last route to fall back on.
var ErrNoRoute = errors.New("no delivery route for session")

// Request is one delivery decision plus the text to send.
type Request struct {
	SessionKey string
	Channel    string // may be empty when falling back to the last route
	To         string // raw target, empty = use last route
	Deliver    *bool  // nil = unset
	Text       string
	Meta       Metadata
}

// Wanted applies the deliver/to truth table. It lives here and nowhere else:
// an explicit deliver=false always wins, a set `to` implies delivery, and an
// explicit deliver=true without a target means "use the last route".
func (req *Request) Wanted() bool {
	if req.Deliver != nil {
		return *req.Deliver
	}
	return req.To != ""
}

// Result records where the send went and how it ended.
type Result struct {
	Channel string
	Target  string
	Status  string // "ok" or "failed"
	Err     error
}

// Router resolves (channel, target) and performs the send.
type Router struct {
	drivers *Registry
	routes  *LastRoutes
}

func NewRouter(drivers *Registry, routes *LastRoutes) *Router {
	return &Router{drivers: drivers, routes: routes}
}

// Resolve computes the effective (channel, target) for a request without
// sending. Callers must have checked Wanted first.
func (r *Router) Resolve(req *Request) (string, Target, error) {
	channel, to := req.Channel, req.To

	if to == "" {
		route, ok := r.routes.Get(req.SessionKey)
		if !ok {
			return "", Target{}, fmt.Errorf("%w: %s", ErrNoRoute, req.SessionKey)
		}
		// The stored route wins wholesale; mixing a job's channel with a
		// remembered target would send to the wrong surface.
		channel, to = route.Channel, route.Target
	}
	if channel == "" {
		return "", Target{}, fmt.Errorf("%w: target %q has no channel", ErrInvalidTarget, to)
	}

	target, err := ParseTarget(channel, to)
	if err != nil {
		return "", Target{}, err
	}
	return channel, target, nil
}

// Send resolves the route and hands the text to the channel driver. On
// success the session's last route is updated so future deliver-only jobs
// follow the same surface. The Result always names the attempted route, even
// on failure, so run records stay diagnosable.
func (r *Router) Send(ctx context.Context, req *Request) Result {
	channel, target, err := r.Resolve(req)
	if err != nil {
		return Result{Channel: req.Channel, Target: req.To, Status: "failed", Err: err}
	}

	res := Result{Channel: channel, Target: target.String()}

	driver, err := r.drivers.Get(channel)
	if err != nil {
		res.Status, res.Err = "failed", err
		return res
	}

	if err := driver.Send(ctx, target, req.Text, req.Meta); err != nil {
		slog.Warn("delivery: send failed",
			"channel", channel, "target", target.String(), "error", err)
		res.Status, res.Err = "failed", err
		return res
	}

	res.Status = "ok"
	if err := r.routes.Set(req.SessionKey, channel, target.String()); err != nil {
		// The message arrived; a stale fallback is worth a log line, not a
		// failed run.
		slog.Warn("delivery: last-route update failed", "session", req.SessionKey, "error", err)
	}
	slog.Info("delivery: sent", "channel", channel, "target", target.String(), "session", req.SessionKey)
	return res
}
