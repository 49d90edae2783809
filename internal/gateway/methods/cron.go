// Package methods registers the engine's RPC surface on the gateway router.
package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/cron"
	"github.com/adjutant-ai/adjutant/internal/gateway"
	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

// Engine is the scheduler surface the methods need.
type Engine interface {
	RunNow(jobID string, force bool) (ran bool, reason string, err error)
	Wake()
	Health() string
	Status() map[string]any
}

// CronMethods handles the cron.* methods plus system.event, wake, health and
// status.
type CronMethods struct {
	engine  Engine
	store   cron.Store
	events  *bus.MessageBus
	queue   *bus.SystemEventQueue
	beat    func() // forces a heartbeat now; nil when the heartbeat is off
	agentID string
}

func NewCronMethods(engine Engine, store cron.Store, events *bus.MessageBus,
	queue *bus.SystemEventQueue, beat func(), agentID string) *CronMethods {
	return &CronMethods{
		engine:  engine,
		store:   store,
		events:  events,
		queue:   queue,
		beat:    beat,
		agentID: agentID,
	}
}

func (m *CronMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodCronAdd, m.handleAdd)
	router.Register(protocol.MethodCronUpdate, m.handleUpdate)
	router.Register(protocol.MethodCronRemove, m.handleRemove)
	router.Register(protocol.MethodCronRun, m.handleRun)
	router.Register(protocol.MethodCronList, m.handleList)
	router.Register(protocol.MethodCronStatus, m.handleStatus)
	router.Register(protocol.MethodCronRuns, m.handleRuns)
	router.Register(protocol.MethodSystemEvent, m.handleSystemEvent)
	router.Register(protocol.MethodWake, m.handleWake)
	router.Register(protocol.MethodHealth, m.handleHealth)
	router.Register(protocol.MethodStatus, m.handleGatewayStatus)
}

// scheduleParams is the wire shape of a schedule: atMs as epoch millis or
// `at` as RFC 3339, whichever the client finds easier.
type scheduleParams struct {
	Kind    string `json:"kind"`
	AtMS    *int64 `json:"atMs,omitempty"`
	At      string `json:"at,omitempty"`
	EveryMS *int64 `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

func (p *scheduleParams) toSchedule() (*cron.Schedule, error) {
	s := &cron.Schedule{
		Kind:    p.Kind,
		AtMS:    p.AtMS,
		EveryMS: p.EveryMS,
		Expr:    p.Expr,
		TZ:      p.TZ,
	}
	if p.At != "" && p.AtMS == nil {
		ts, err := time.Parse(time.RFC3339, p.At)
		if err != nil {
			return nil, err
		}
		ms := ts.UnixMilli()
		s.AtMS = &ms
	}
	return s, nil
}

func (m *CronMethods) handleAdd(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Name           string          `json:"name"`
		Description    string          `json:"description"`
		AgentID        string          `json:"agentId"`
		Enabled        *bool           `json:"enabled"`
		Schedule       scheduleParams  `json:"schedule"`
		SessionTarget  string          `json:"sessionTarget"`
		WakeMode       string          `json:"wakeMode"`
		Payload        cron.Payload    `json:"payload"`
		Isolation      *cron.Isolation `json:"isolation"`
		DeleteAfterRun bool            `json:"deleteAfterRun"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	sched, err := params.Schedule.toSchedule()
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
			"unparsable at timestamp: "+err.Error()))
		return
	}

	job := &cron.Job{
		Name:           params.Name,
		Description:    params.Description,
		AgentID:        params.AgentID,
		Enabled:        params.Enabled == nil || *params.Enabled,
		Schedule:       *sched,
		SessionTarget:  params.SessionTarget,
		WakeMode:       params.WakeMode,
		Payload:        params.Payload,
		Isolation:      params.Isolation,
		DeleteAfterRun: params.DeleteAfterRun,
	}

	added, err := m.store.Add(job)
	if err != nil {
		m.sendEngineError(client, req.ID, err)
		return
	}

	// A freshly added job may be due sooner than the current sleep.
	m.engine.Wake()
	m.broadcast(protocol.CronEventJobAdded, added)

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"job": added}))
}

func (m *CronMethods) handleUpdate(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		JobID string        `json:"jobId"`
		ID    string        `json:"id"` // legacy alias
		Patch cron.JobPatch `json:"patch"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	jobID := firstNonEmpty(params.JobID, params.ID)
	if jobID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "jobId is required"))
		return
	}

	updated, err := m.store.Update(jobID, params.Patch)
	if err != nil {
		m.sendEngineError(client, req.ID, err)
		return
	}

	m.engine.Wake()
	m.broadcast(protocol.CronEventJobUpdated, updated)

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"job": updated}))
}

func (m *CronMethods) handleRemove(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		JobID string `json:"jobId"`
		ID    string `json:"id"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	jobID := firstNonEmpty(params.JobID, params.ID)
	if jobID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "jobId is required"))
		return
	}

	if err := m.store.Remove(jobID); err != nil {
		m.sendEngineError(client, req.ID, err)
		return
	}

	m.broadcast(protocol.CronEventJobRemoved, map[string]any{"jobId": jobID})
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"removed": true}))
}

func (m *CronMethods) handleRun(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		JobID string `json:"jobId"`
		ID    string `json:"id"`
		Mode  string `json:"mode"` // "force" or "due" (default)
	}
	if err := unmarshalParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	jobID := firstNonEmpty(params.JobID, params.ID)
	if jobID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "jobId is required"))
		return
	}

	ran, reason, err := m.engine.RunNow(jobID, params.Mode == "force")
	if err != nil {
		m.sendEngineError(client, req.ID, err)
		return
	}

	resp := map[string]any{"ran": ran}
	if !ran && reason != "" {
		resp["reason"] = reason
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, resp))
}

func (m *CronMethods) handleList(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		IncludeDisabled bool `json:"includeDisabled"`
	}
	unmarshalParams(req, &params)

	jobs := m.store.List()
	if !params.IncludeDisabled {
		enabled := jobs[:0]
		for _, j := range jobs {
			if j.Enabled {
				enabled = append(enabled, j)
			}
		}
		jobs = enabled
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"jobs": jobs}))
}

func (m *CronMethods) handleStatus(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, m.engine.Status()))
}

func (m *CronMethods) handleRuns(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		JobID string `json:"jobId"`
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	jobID := firstNonEmpty(params.JobID, params.ID)
	if jobID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "jobId is required"))
		return
	}

	runs, err := m.store.Runs(jobID, params.Limit)
	if err != nil {
		m.sendEngineError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"runs": runs}))
}

func (m *CronMethods) handleSystemEvent(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Mode    string `json:"mode"`
		Text    string `json:"text"`
		AgentID string `json:"agentId"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}

	mode, err := normalizeEventMode(params.Mode)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	if params.Text == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "text is required"))
		return
	}

	result, err := m.enqueueSystemEvent(mode, params.Text, params.AgentID)
	if err != nil {
		m.sendEngineError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, result))
}

// enqueueSystemEvent queues a synthetic event for the agent's main session.
// Mode "now" also forces a heartbeat so the agent picks the event up
// immediately instead of on the next periodic beat.
func (m *CronMethods) enqueueSystemEvent(mode, text, agentID string) (map[string]any, error) {
	if agentID == "" {
		agentID = m.agentID
	}
	key := agent.MainSessionKey(agentID)

	if err := m.queue.Enqueue(bus.SystemEvent{SessionKey: key, Text: text}); err != nil {
		return nil, err
	}
	if mode == cron.WakeModeNow && m.beat != nil {
		m.beat()
	}
	return map[string]any{
		"queued":  true,
		"mode":    mode,
		"pending": m.queue.Pending(key),
	}, nil
}

func normalizeEventMode(mode string) (string, error) {
	switch mode {
	case "", cron.WakeModeNextHeartbeat:
		return cron.WakeModeNextHeartbeat, nil
	case cron.WakeModeNow:
		return cron.WakeModeNow, nil
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
}

func (m *CronMethods) handleWake(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	m.engine.Wake()
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"woken": true}))
}

func (m *CronMethods) handleHealth(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"status":  m.engine.Health(),
		"storage": m.store.Healthy(),
	}))
}

func (m *CronMethods) handleGatewayStatus(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	st := m.engine.Status()
	client.SendResponse(protocol.NewOKResponse(req.ID, st))
}

func (m *CronMethods) broadcast(subtype string, payload any) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{
		Type:    protocol.EventCron,
		Payload: map[string]any{"type": subtype, "data": payload},
	})
}

// sendEngineError maps store/engine errors onto wire codes via the error
// taxonomy.
func (m *CronMethods) sendEngineError(client *gateway.Client, reqID string, err error) {
	code := protocol.CodeForErrorKind(cron.ErrorKind(err))
	client.SendResponse(protocol.NewErrorResponse(reqID, code, err.Error()))
}

func unmarshalParams(req *protocol.RequestFrame, v any) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return errors.New("malformed params: " + err.Error())
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
