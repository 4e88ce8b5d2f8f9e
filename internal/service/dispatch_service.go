// Package service implements the request server's inbound port: the
// orchestration layer wiring the policy engine, kill switch, anomaly
// detector, canary registry, approval manager, and credential vault
// together behind the eight wire message handlers the component design
// calls for.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/approval"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/audit"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/canary"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/dispatch"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/killswitch"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/policy"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/vault"
	"github.com/dead-pool-aka-wilson/moltgate/internal/port/inbound"
	"github.com/dead-pool-aka-wilson/moltgate/internal/port/outbound"
)

// compile-time assertion that DispatchService satisfies the inbound port.
var _ inbound.Dispatcher = (*DispatchService)(nil)

// Zone labels used as the audit log's source_zone attribute. Zone 1 is the
// executor itself; these are the zones that can reach it.
const (
	zoneReasoning = "reasoning"
	zoneIngestion = "ingestion"
	zoneExecutor  = "executor"
)

// pendingExec is what the dispatch service remembers about a
// capability_request that required approval, so that when the approval
// manager's on-decision callback fires (with only an id and a bool) it can
// still recover the action and params to actually execute.
type pendingExec struct {
	Action    string
	Params    map[string]interface{}
	RequestID string
}

// DispatchService implements inbound.Dispatcher. One instance is
// constructed at boot and its handler methods are the unconditional
// handler table: there is no reassignment of handlers on kill, only an
// IsKilled() check inside the handlers that matter.
type DispatchService struct {
	engine      *policy.Engine
	table       policy.DescriptorTable
	auditStore  audit.Store
	killSwitch  *killswitch.Switch
	anomaly     *killswitch.AnomalyDetector
	canaries    *canary.Registry
	approvals   *approval.Manager
	vault       *vault.Vault
	integration outbound.Integration
	metrics     *Metrics
	telemetry   *Telemetry
	serverName  string
	version     string
	logger      *slog.Logger

	startedAt time.Time

	runningMu sync.Mutex
	running   bool

	pendingMu sync.Mutex
	pending   map[string]pendingExec
}

// Config bundles the collaborators a DispatchService is built from.
type Config struct {
	Engine               *policy.Engine
	Table                policy.DescriptorTable
	AuditStore           audit.Store
	KillSwitch           *killswitch.Switch
	Anomaly              *killswitch.AnomalyDetector
	Canaries             *canary.Registry
	Channel              approval.Channel
	DeciderHash          string
	ApprovalTimeout      time.Duration
	ApprovalPollInterval time.Duration
	Vault                *vault.Vault
	Integration          outbound.Integration
	Metrics              *Metrics
	Telemetry            *Telemetry
	ServerName           string
	Version              string
	Logger               *slog.Logger
}

// New constructs a DispatchService and its approval manager. The approval
// manager's on-decision callback is a method value bound to the service,
// so the service must exist before the manager does; this is why the
// manager is built here rather than injected whole.
func New(cfg Config) *DispatchService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	svc := &DispatchService{
		engine:      cfg.Engine,
		table:       cfg.Table,
		auditStore:  cfg.AuditStore,
		killSwitch:  cfg.KillSwitch,
		anomaly:     cfg.Anomaly,
		canaries:    cfg.Canaries,
		vault:       cfg.Vault,
		integration: cfg.Integration,
		metrics:     cfg.Metrics,
		telemetry:   cfg.Telemetry,
		serverName:  cfg.ServerName,
		version:     cfg.Version,
		logger:      logger,
		startedAt:   time.Now().UTC(),
		running:     true,
		pending:     make(map[string]pendingExec),
	}

	var opts []approval.Option
	if cfg.DeciderHash != "" {
		opts = append(opts, approval.WithDeciderHash(cfg.DeciderHash))
	}
	if cfg.ApprovalTimeout > 0 {
		opts = append(opts, approval.WithTimeout(cfg.ApprovalTimeout))
	}
	if cfg.ApprovalPollInterval > 0 {
		opts = append(opts, approval.WithPollInterval(cfg.ApprovalPollInterval))
	}
	svc.approvals = approval.NewManager(cfg.Channel, svc.handleApprovalDecision, logger, opts...)

	svc.killSwitch.RegisterShutdownCallback(func() {
		svc.runningMu.Lock()
		svc.running = false
		svc.runningMu.Unlock()
	})

	return svc
}

// Run starts the approval manager's expiry poller. Intended to run in its
// own goroutine from main, alongside the kill switch's file watcher.
func (s *DispatchService) Run(ctx context.Context) {
	s.approvals.Run(ctx)
}

// IsRunning reports whether the server should keep accepting connections.
func (s *DispatchService) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// Stop clears the running flag, mirroring what a kill-triggered shutdown
// callback does, for use by the server's own signal handling.
func (s *DispatchService) Stop() {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()
}

func (s *DispatchService) audit(ctx context.Context, kind audit.Kind, action, actor, zone string, details map[string]interface{}, requestID string) {
	if _, err := s.auditStore.Append(ctx, kind, action, actor, zone, details, requestID); err != nil {
		s.logger.Error("audit append failed", "kind", kind, "action", action, "error", err)
		return
	}
	s.telemetry.RecordAuditEvent(ctx, string(kind))
}

// actorFor prefers the request's own identifier as the audit actor label,
// falling back to the zone name for messages that carry no request id
// (content_sanitized, kill).
func actorFor(requestID, zone string) string {
	if requestID != "" {
		return requestID
	}
	return zone
}

// Ping implements inbound.Dispatcher.
func (s *DispatchService) Ping(_ context.Context, _ dispatch.PingRequest) dispatch.PongResponse {
	return dispatch.PongResponse{
		Type:      dispatch.TypePong,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Server:    s.serverName,
		Version:   s.version,
	}
}

// Status implements inbound.Dispatcher.
func (s *DispatchService) Status(_ context.Context, _ dispatch.StatusRequest) dispatch.StatusResponse {
	killStatus := s.killSwitch.Status()
	s.metrics.setKillSwitchState(killStatus.Killed)
	s.metrics.setPendingApprovals(s.approvals.Count())
	return dispatch.StatusResponse{
		Type:             "status",
		Running:          s.IsRunning(),
		KillSwitchKilled: killStatus.Killed,
		KillSwitchArmed:  killStatus.Armed,
		PendingApprovals: s.approvals.Count(),
	}
}

// ListActions implements inbound.Dispatcher.
func (s *DispatchService) ListActions(_ context.Context, _ dispatch.ListActionsRequest) dispatch.ActionsListResponse {
	descriptors := s.table.List()
	views := make([]dispatch.ActionDescriptorView, 0, len(descriptors))
	for _, d := range descriptors {
		views = append(views, dispatch.ActionDescriptorView{
			Name:          d.Name,
			ApprovalLevel: string(d.ApprovalLevel),
			RateCap:       d.RateCap,
			Description:   d.Description,
		})
	}
	return dispatch.ActionsListResponse{Type: dispatch.TypeActionsList, Actions: views}
}

// CapabilityRequest implements inbound.Dispatcher. It audits
// ACTION_REQUESTED before consulting policy, per the ordering rule that a
// failed request still yields two events when paired with a later execute.
func (s *DispatchService) CapabilityRequest(ctx context.Context, req dispatch.CapabilityRequest) dispatch.CapabilityResponse {
	s.audit(ctx, audit.KindActionRequested, req.Action, actorFor(req.RequestID, zoneReasoning), zoneReasoning,
		map[string]interface{}{"params": req.Params}, req.RequestID)

	decision, err := s.engine.Evaluate(ctx, policy.EvaluationContext{
		Action:      req.Action,
		Params:      req.Params,
		RequestID:   req.RequestID,
		RequestTime: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("policy evaluation failed", "action", req.Action, "error", err)
		return dispatch.CapabilityResponse{
			Type:    dispatch.TypeCapabilityRequest,
			Status:  dispatch.StatusError,
			Error:   "integration_failure",
			Message: err.Error(),
		}
	}

	if !decision.Allowed {
		s.metrics.observePolicy(false)
		s.metrics.observeRequest(dispatch.TypeCapabilityRequest, dispatch.StatusDenied)
		s.audit(ctx, audit.KindPolicyDenied, req.Action, actorFor(req.RequestID, zoneReasoning), zoneReasoning,
			map[string]interface{}{"error": decision.Error, "message": decision.Message}, req.RequestID)
		return dispatch.CapabilityResponse{
			Type:    dispatch.TypeCapabilityRequest,
			Status:  dispatch.StatusDenied,
			Error:   decision.Error,
			Message: decision.Message,
		}
	}
	s.metrics.observePolicy(true)

	if !decision.RequiresApproval {
		s.metrics.observeRequest(dispatch.TypeCapabilityRequest, dispatch.StatusApproved)
		s.audit(ctx, audit.KindActionApproved, req.Action, actorFor(req.RequestID, zoneReasoning), zoneReasoning,
			map[string]interface{}{"approval_level": decision.ApprovalLevel}, req.RequestID)
		return dispatch.CapabilityResponse{
			Type:          dispatch.TypeCapabilityRequest,
			Status:        dispatch.StatusApproved,
			ApprovalLevel: string(decision.ApprovalLevel),
			Description:   decision.Description,
		}
	}

	approvalID := fmt.Sprintf("approval_%s_%s", time.Now().UTC().Format("20060102150405"), req.Action)

	s.pendingMu.Lock()
	s.pending[approvalID] = pendingExec{Action: req.Action, Params: req.Params, RequestID: req.RequestID}
	s.pendingMu.Unlock()

	if _, err := s.approvals.Create(approvalID, req.Action, req.Params, req.RequestID); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, approvalID)
		s.pendingMu.Unlock()
		s.logger.Error("failed to create pending approval", "approval_id", approvalID, "error", err)
		s.metrics.observeRequest(dispatch.TypeCapabilityRequest, dispatch.StatusError)
		return dispatch.CapabilityResponse{
			Type:    dispatch.TypeCapabilityRequest,
			Status:  dispatch.StatusError,
			Error:   "integration_failure",
			Message: err.Error(),
		}
	}

	s.metrics.setPendingApprovals(s.approvals.Count())
	s.metrics.observeRequest(dispatch.TypeCapabilityRequest, dispatch.StatusPendingApproval)
	return dispatch.CapabilityResponse{
		Type:          dispatch.TypeCapabilityRequest,
		Status:        dispatch.StatusPendingApproval,
		ApprovalID:    approvalID,
		ApprovalLevel: string(decision.ApprovalLevel),
		Description:   decision.Description,
	}
}

// CapabilityExecute implements inbound.Dispatcher.
func (s *DispatchService) CapabilityExecute(ctx context.Context, req dispatch.CapabilityExecute) dispatch.ExecuteResponse {
	if s.killSwitch.IsKilled() {
		return dispatch.ExecuteResponse{
			Type:    dispatch.TypeCapabilityExecute,
			Status:  dispatch.StatusError,
			Error:   "killed",
			Message: "executor is killed: refusing capability_execute",
		}
	}

	if req.ApprovalID != "" {
		if _, ok := s.approvals.Get(req.ApprovalID); !ok {
			return dispatch.ExecuteResponse{
				Type:    dispatch.TypeCapabilityExecute,
				Status:  dispatch.StatusError,
				Error:   "invalid_approval",
				Message: "Invalid or expired approval ID",
			}
		}
	}

	return s.execute(ctx, req.Action, req.Params, req.ApprovalID, "")
}

// execute performs the policy re-check, anomaly check, secret injection,
// and integration call shared by capability_execute and an approved
// approval_response. The approval path passes the request_id retained from
// the original capability_request; capability_execute carries no request id,
// so requestID is empty when invoked from there.
func (s *DispatchService) execute(ctx context.Context, action string, params map[string]interface{}, approvalID, requestID string) dispatch.ExecuteResponse {
	// Anomaly accounting runs ahead of the policy re-check and independent
	// of its outcome: a rate cap below the anomaly threshold (e.g. 10/hour
	// vs. a 20-in-window anomaly trigger) must not be able to starve the
	// kill switch of the bursts it exists to catch.
	if !s.anomaly.RecordAction(action) {
		s.audit(ctx, audit.KindAnomalyDetected, action, actorFor(requestID, zoneExecutor), zoneExecutor,
			map[string]interface{}{"reason": "rate_limit_exceeded"}, requestID)
		return dispatch.ExecuteResponse{
			Type:    dispatch.TypeCapabilityExecute,
			Status:  dispatch.StatusError,
			Error:   "killed",
			Message: "action refused: anomaly detector triggered the kill switch",
		}
	}

	// Re-check policy at execute time: a capability_request decision does
	// not bind forever, and rate caps may have been exhausted since.
	decision, err := s.engine.Evaluate(ctx, policy.EvaluationContext{
		Action:      action,
		Params:      params,
		RequestID:   requestID,
		RequestTime: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("policy re-check failed", "action", action, "error", err)
		return dispatch.ExecuteResponse{Type: dispatch.TypeCapabilityExecute, Status: dispatch.StatusError, Error: "integration_failure", Message: err.Error()}
	}
	if !decision.Allowed {
		s.audit(ctx, audit.KindPolicyDenied, action, actorFor(requestID, zoneReasoning), zoneReasoning,
			map[string]interface{}{"error": decision.Error, "message": decision.Message, "phase": "execute"}, requestID)
		return dispatch.ExecuteResponse{Type: dispatch.TypeCapabilityExecute, Status: dispatch.StatusDenied, Error: decision.Error, Message: decision.Message}
	}

	secrets, err := s.vault.InjectForAction(action)
	if err != nil {
		s.audit(ctx, audit.KindActionFailed, action, actorFor(requestID, zoneReasoning), zoneReasoning,
			map[string]interface{}{"error": err.Error(), "phase": "secret_injection"}, requestID)
		return dispatch.ExecuteResponse{Type: dispatch.TypeCapabilityExecute, Status: dispatch.StatusError, Error: "integration_failure", Message: err.Error()}
	}

	result, err := s.integration.Execute(ctx, action, params, secrets)
	if err != nil {
		s.audit(ctx, audit.KindActionFailed, action, actorFor(requestID, zoneReasoning), zoneReasoning,
			map[string]interface{}{"error": err.Error()}, requestID)
		return dispatch.ExecuteResponse{Type: dispatch.TypeCapabilityExecute, Status: dispatch.StatusError, Error: "integration_failure", Message: err.Error()}
	}

	s.audit(ctx, audit.KindActionExecuted, action, actorFor(requestID, zoneReasoning), zoneReasoning,
		map[string]interface{}{"result": result}, requestID)

	if approvalID != "" {
		s.pendingMu.Lock()
		delete(s.pending, approvalID)
		s.pendingMu.Unlock()
	}

	return dispatch.ExecuteResponse{Type: dispatch.TypeCapabilityExecute, Status: dispatch.StatusSuccess, Result: result}
}

// ContentSanitized implements inbound.Dispatcher. Content is never acted
// upon automatically; the only side effects are the audit trail and a
// canary-token scan over the sanitized text, so a planted credential or
// prompt canary that made it back out through ingestion is caught here.
func (s *DispatchService) ContentSanitized(ctx context.Context, req dispatch.ContentSanitized) dispatch.ContentReceivedResponse {
	s.audit(ctx, audit.KindContentSanitized, "", zoneIngestion, zoneIngestion,
		map[string]interface{}{"source": req.Source, "warnings": req.Warnings}, "")

	if req.InjectionDetected {
		s.audit(ctx, audit.KindInjectionDetected, "", zoneIngestion, zoneIngestion,
			map[string]interface{}{"source": req.Source, "content": req.Content}, "")
	}

	if s.canaries != nil {
		// The registry's own trigger log is the forensic record for
		// canary hits; surface it in the audit trail too, under the
		// closest fitting kind in the closed set.
		if triggers := s.canaries.Check(flattenContent(req.Content), req.Source, "", nil); len(triggers) > 0 {
			s.metrics.incCanaryTriggers(len(triggers))
			for _, trig := range triggers {
				s.audit(ctx, audit.KindInjectionDetected, "", zoneIngestion, zoneIngestion,
					map[string]interface{}{"canary_token_id": trig.TokenID, "source": trig.Source}, "")
			}
		}
	}

	s.metrics.observeRequest(dispatch.TypeContentSanitized, dispatch.StatusAcknowledged)
	return dispatch.ContentReceivedResponse{Type: dispatch.TypeContentReceived, Status: dispatch.StatusAcknowledged}
}

// flattenContent joins every string value in content (shallow) into one
// blob for a canary literal-value scan. Nested structures are not
// recursed into: content is sanitized plain content, not an arbitrary
// object graph, and canary literals are whole-token substrings.
func flattenContent(content map[string]interface{}) string {
	var b strings.Builder
	for _, v := range content {
		if s, ok := v.(string); ok {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ApprovalResponse implements inbound.Dispatcher.
func (s *DispatchService) ApprovalResponse(ctx context.Context, req dispatch.ApprovalResponse) dispatch.ApprovalResultResponse {
	if !s.approvals.VerifyDeciderToken(req.DeciderToken) {
		return dispatch.ApprovalResultResponse{
			Type:       dispatch.TypeApprovalResult,
			Status:     dispatch.StatusError,
			ApprovalID: req.ApprovalID,
			Error:      "invalid_approval",
		}
	}

	if _, ok := s.approvals.Get(req.ApprovalID); !ok {
		return dispatch.ApprovalResultResponse{
			Type:       dispatch.TypeApprovalResult,
			Status:     dispatch.StatusError,
			ApprovalID: req.ApprovalID,
			Error:      "invalid_approval",
		}
	}

	if err := s.approvals.Decide(req.ApprovalID, req.Approved, "operator"); err != nil {
		s.logger.Error("failed to decide approval", "approval_id", req.ApprovalID, "error", err)
		return dispatch.ApprovalResultResponse{
			Type:       dispatch.TypeApprovalResult,
			Status:     dispatch.StatusError,
			ApprovalID: req.ApprovalID,
			Error:      "invalid_approval",
		}
	}

	status := dispatch.StatusDenied
	if req.Approved {
		status = dispatch.StatusApproved
	}
	return dispatch.ApprovalResultResponse{Type: dispatch.TypeApprovalResult, Status: status, ApprovalID: req.ApprovalID}
}

// handleApprovalDecision is the approval manager's on-decision callback:
// invoked outside the manager's lock, whether the decision came from an
// explicit approval_response or from expiry. It is a bound method value,
// so it captures the service that is still being constructed at the time
// the manager is built (see New); this is fine because the callback never
// fires until well after construction finishes.
func (s *DispatchService) handleApprovalDecision(approvalID string, approved bool) {
	s.pendingMu.Lock()
	pending, ok := s.pending[approvalID]
	if ok {
		delete(s.pending, approvalID)
	}
	s.pendingMu.Unlock()

	ctx := context.Background()

	if !ok {
		s.logger.Warn("approval decision for unknown pending execution", "approval_id", approvalID)
		return
	}

	if !approved {
		s.audit(ctx, audit.KindActionRejected, pending.Action, actorFor(pending.RequestID, zoneReasoning), zoneReasoning,
			map[string]interface{}{"approval_id": approvalID}, pending.RequestID)
		return
	}

	s.execute(ctx, pending.Action, pending.Params, approvalID, pending.RequestID)
}

// Kill implements inbound.Dispatcher.
func (s *DispatchService) Kill(ctx context.Context, req dispatch.KillRequest) dispatch.KillResponse {
	reason := mapKillReason(req.Reason)
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = zoneExecutor
	}

	ev := s.killSwitch.Trigger(reason, req.Details, triggeredBy)
	s.metrics.setKillSwitchState(true)
	s.audit(ctx, audit.KindKillSwitchTriggered, "", triggeredBy, zoneExecutor,
		map[string]interface{}{"reason": string(ev.Reason), "details": ev.Details}, "")

	s.metrics.observeRequest(dispatch.TypeKill, dispatch.StatusKilled)
	return dispatch.KillResponse{Type: dispatch.TypeKillAck, Status: dispatch.StatusKilled, Reason: string(ev.Reason)}
}

// mapKillReason maps a freeform wire reason string onto the closed
// killswitch.Reason taxonomy, defaulting to MANUAL.
func mapKillReason(reason string) killswitch.Reason {
	switch killswitch.Reason(reason) {
	case killswitch.ReasonManual, killswitch.ReasonAnomalyDetected, killswitch.ReasonRateLimitExceeded,
		killswitch.ReasonSecurityBreach, killswitch.ReasonRemoteCommand, killswitch.ReasonFileTrigger:
		return killswitch.Reason(reason)
	default:
		return killswitch.ReasonManual
	}
}
