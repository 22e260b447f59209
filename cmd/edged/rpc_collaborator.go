package main

import (
	"context"
	"encoding/json"

	"github.com/archety/edged/internal/store"
)

// storeRulePlanContext persists set_rule/update_plan/context_update objects
// directly in State's key-value table, keyed by command type and
// identifier. context_reset simply clears the context_update key for that
// identifier. upload_retry has no local state of its own, so it is recorded
// only for observability.
type storeRulePlanContext struct {
	st *store.Store
}

func (c *storeRulePlanContext) SetRule(ctx context.Context, identifier string, object json.RawMessage) error {
	return c.st.SetBlob(ctx, "rule:"+identifier, string(object))
}

func (c *storeRulePlanContext) UpdatePlan(ctx context.Context, identifier string, object json.RawMessage) error {
	return c.st.SetBlob(ctx, "plan:"+identifier, string(object))
}

func (c *storeRulePlanContext) ContextUpdate(ctx context.Context, identifier string, object json.RawMessage) error {
	return c.st.SetBlob(ctx, "context:"+identifier, string(object))
}

func (c *storeRulePlanContext) ContextReset(ctx context.Context, identifier string) error {
	return c.st.SetBlob(ctx, "context:"+identifier, "")
}

func (c *storeRulePlanContext) UploadRetry(ctx context.Context, identifier string, object json.RawMessage) error {
	return c.st.SetBlob(ctx, "upload_retry:"+identifier, string(object))
}
