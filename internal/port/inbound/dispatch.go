// Package inbound defines the inbound port the request server calls into:
// one method per wire message type, each taking and returning the typed
// request/response structs from the dispatch wire package.
package inbound

import (
	"context"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/dispatch"
)

// Dispatcher is the inbound port for the line-delimited JSON request
// server. Every method corresponds to exactly one wire message type; the
// server's only job is to decode the envelope, route to the matching
// method, and write back whatever it returns.
type Dispatcher interface {
	Ping(ctx context.Context, req dispatch.PingRequest) dispatch.PongResponse
	Status(ctx context.Context, req dispatch.StatusRequest) dispatch.StatusResponse
	ListActions(ctx context.Context, req dispatch.ListActionsRequest) dispatch.ActionsListResponse
	CapabilityRequest(ctx context.Context, req dispatch.CapabilityRequest) dispatch.CapabilityResponse
	CapabilityExecute(ctx context.Context, req dispatch.CapabilityExecute) dispatch.ExecuteResponse
	ContentSanitized(ctx context.Context, req dispatch.ContentSanitized) dispatch.ContentReceivedResponse
	ApprovalResponse(ctx context.Context, req dispatch.ApprovalResponse) dispatch.ApprovalResultResponse
	Kill(ctx context.Context, req dispatch.KillRequest) dispatch.KillResponse
}
