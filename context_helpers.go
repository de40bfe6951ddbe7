package leaseq

import "context"

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// validateQueueCtx checks the tenant scope carried on a call. Every backend
// operation is partitioned by tenant, so an empty tenant id is rejected rather
// than silently mapped to a shared partition.
func validateQueueCtx(qctx QueueCtx) error {
	if qctx.TenantID == "" {
		return ErrTenantRequired
	}
	return nil
}
