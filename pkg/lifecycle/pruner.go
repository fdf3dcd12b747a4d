/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lifecycle

import (
	"context"
	"time"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/store"
)

// AuditPruner deletes dataset access audit rows past their TTL in bounded
// batches, so a pass can be stopped between batches without harm.
type AuditPruner struct {
	store store.Interface
	ttl   time.Duration
	batch int
	now   func() time.Time
}

func NewAuditPruner(s store.Interface) *AuditPruner {
	return &AuditPruner{
		store: s,
		ttl:   time.Duration(config.GetAuditTTLHours()) * time.Hour,
		batch: config.GetAuditPruneBatch(),
		now:   time.Now,
	}
}

// PruneOnce deletes expired rows batch by batch until a short batch signals
// the backlog is drained. Returns the total number deleted.
func (p *AuditPruner) PruneOnce(ctx context.Context) (int, error) {
	cutoff := p.now().UTC().Add(-p.ttl)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := p.store.PruneAccessAudit(ctx, cutoff, p.batch)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < p.batch {
			return total, nil
		}
	}
}
