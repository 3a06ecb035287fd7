// Package cache: key naming and Registry-mirror adapter for the Redis KV
// mirror.
//
// Key Naming Convention (spec.md §6): im:{resource}:{identifier}[:{field}]
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chatdispatch/dispatcher/internal/logger"
	"github.com/chatdispatch/dispatcher/internal/models"
)

// AgentStatusKey holds an agent's ONLINE/OFFLINE/BUSY status mirror.
func AgentStatusKey(agentID int64) string {
	return fmt.Sprintf("im:agent:%d:status", agentID)
}

// AgentLivenessKey holds the TTL-bounded liveness marker refreshed by heartbeat.
func AgentLivenessKey(agentID int64) string {
	return fmt.Sprintf("im:agent:%d:alive", agentID)
}

// AgentSessionKey mirrors the agent-id -> session-handle binding.
func AgentSessionKey(agentID int64) string {
	return fmt.Sprintf("im:agent:%d:fd", agentID)
}

// CustomerSessionKey mirrors the customer-id -> session-handle binding.
func CustomerSessionKey(customerID int64) string {
	return fmt.Sprintf("im:customer:%d:fd", customerID)
}

// FDPrincipalKey mirrors the session-handle -> principal reverse lookup.
func FDPrincipalKey(handle string) string {
	return fmt.Sprintf("im:fd:%s", handle)
}

// TokenKey namespaces token metadata under im:token:. internal/auth does not
// read or write this namespace, and the JWT itself is never stored
// server-side.
func TokenKey(jti string) string {
	return fmt.Sprintf("im:token:%s", jti)
}

// AgentLoadPattern matches every mirrored agent status key.
func AgentLoadPattern() string {
	return "im:agent:*:status"
}

// The methods below adapt Cache into registry.Mirror (registry cannot import
// cache: cache already sits below registry in the dependency graph via
// cmd/main.go's wiring, and Mirror is satisfied structurally, so no import
// is required in either direction). Every write is best-effort: a failure
// is logged and swallowed, never surfaced to the Registry caller, per
// spec.md §9's "crash/restart visibility, not cross-process correctness".

func agentPrincipal(agentID int64) string    { return fmt.Sprintf("agent:%d", agentID) }
func customerPrincipal(customerID int64) string { return fmt.Sprintf("customer:%d", customerID) }

func (c *Cache) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.Set(ctx, key, value, ttl); err != nil {
		logger.Cache().Warn().Err(err).Str("key", key).Msg("mirror write failed")
	}
}

// MirrorAgentBound mirrors Registry.BindAgent: the session handle, an ONLINE
// status snapshot, the reverse fd->principal lookup, and a fresh liveness
// marker.
func (c *Cache) MirrorAgentBound(ctx context.Context, agentID int64, handle string, ttl time.Duration) {
	if !c.IsEnabled() {
		return
	}
	c.set(ctx, AgentSessionKey(agentID), handle, 0)
	c.set(ctx, AgentStatusKey(agentID), string(models.AgentOnline), 0)
	c.set(ctx, FDPrincipalKey(handle), agentPrincipal(agentID), 0)
	c.set(ctx, AgentLivenessKey(agentID), "1", ttl)
}

// MirrorAgentStatus mirrors Registry.SetStatus.
func (c *Cache) MirrorAgentStatus(ctx context.Context, agentID int64, status models.AgentStatus) {
	if !c.IsEnabled() {
		return
	}
	c.set(ctx, AgentStatusKey(agentID), string(status), 0)
}

// MirrorHeartbeat mirrors Registry.Heartbeat: refresh the liveness marker's
// TTL by rewriting it rather than Expire, since the key may not exist yet
// (e.g. a mirror installed after agents were already bound in-memory).
func (c *Cache) MirrorHeartbeat(ctx context.Context, agentID int64, ttl time.Duration) {
	if !c.IsEnabled() {
		return
	}
	c.set(ctx, AgentLivenessKey(agentID), "1", ttl)
}

// MirrorCustomerBound mirrors Registry.BindCustomer.
func (c *Cache) MirrorCustomerBound(ctx context.Context, customerID int64, handle string) {
	if !c.IsEnabled() {
		return
	}
	c.set(ctx, CustomerSessionKey(customerID), handle, 0)
	c.set(ctx, FDPrincipalKey(handle), customerPrincipal(customerID), 0)
}

// MirrorUnbindAgent mirrors the agent branch of Registry.UnbindBySession /
// ForceOffline: clear every key an agent binding wrote.
func (c *Cache) MirrorUnbindAgent(ctx context.Context, agentID int64, handle string) {
	if !c.IsEnabled() {
		return
	}
	if err := c.Delete(ctx, AgentSessionKey(agentID), AgentStatusKey(agentID), AgentLivenessKey(agentID), FDPrincipalKey(handle)); err != nil {
		logger.Cache().Warn().Err(err).Int64("agent_id", agentID).Msg("mirror: failed to clear agent keys")
	}
}

// MirrorUnbindCustomer mirrors the customer branch of Registry.UnbindBySession.
func (c *Cache) MirrorUnbindCustomer(ctx context.Context, customerID int64, handle string) {
	if !c.IsEnabled() {
		return
	}
	if err := c.Delete(ctx, CustomerSessionKey(customerID), FDPrincipalKey(handle)); err != nil {
		logger.Cache().Warn().Err(err).Int64("customer_id", customerID).Msg("mirror: failed to clear customer keys")
	}
}
