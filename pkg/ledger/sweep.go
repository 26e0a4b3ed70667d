package ledger

import (
	"context"
	"time"
)

// DefaultGrantRetention keeps retired grants for a year of audit history.
const DefaultGrantRetention = 365 * 24 * time.Hour

// SweepOptions bounds a retention sweep.
type SweepOptions struct {
	// GrantRetention keeps retired grants this long after they stop counting. Zero skips deletion.
	GrantRetention time.Duration
	BatchSize      int
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	ExpiredGrants int
	BurnedCredits Credits
	DeletedGrants int64
}

// Sweep logs an expiration transaction for every grant that expired with credits left,
// then deletes retired grants older than the retention window.
func (service *Service) Sweep(ctx context.Context, options SweepOptions) (SweepReport, error) {
	report, operationError := service.sweep(ctx, options)
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    report.BurnedCredits.Int64(),
		Error:     operationError,
	})
	return report, operationError
}

func (service *Service) sweep(ctx context.Context, options SweepOptions) (SweepReport, error) {
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	var report SweepReport
	nowUnixUTC := service.nowFn()
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		expired, err := service.store.ListUnrecordedExpiredGrants(ctx, nowUnixUTC, batchSize)
		if err != nil {
			return report, err
		}
		for _, userGrants := range groupGrantsByUser(expired) {
			recorded, burned, err := service.recordExpirations(ctx, userGrants[0].UserID(), nowUnixUTC)
			if err != nil {
				return report, err
			}
			report.ExpiredGrants += recorded
			report.BurnedCredits += burned
		}
		if len(expired) < batchSize {
			break
		}
	}
	if options.GrantRetention > 0 {
		cutoffUnixUTC := nowUnixUTC - int64(options.GrantRetention/time.Second)
		deleted, err := service.store.DeleteRetiredGrants(ctx, cutoffUnixUTC)
		if err != nil {
			return report, err
		}
		report.DeletedGrants = deleted
	}
	return report, nil
}

// recordExpirations writes one expiration row per burned grant of a single user.
// It reloads all of the user's unlogged expired grants under the user lock, even those past the
// current batch, so the running balance starts at the active balance plus everything still to be burned
// and the summed transaction amounts keep matching the active balance.
func (service *Service) recordExpirations(ctx context.Context, userID UserID, nowUnixUTC int64) (int, Credits, error) {
	var (
		recorded    int
		burnedTotal Credits
	)
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		burnedTotal = 0
		if err := transactionStore.LockUserLedger(ctx, userID); err != nil {
			return err
		}
		grants, err := transactionStore.ListUserUnrecordedExpiredGrants(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		recorded = len(grants)
		active, err := transactionStore.SumActiveBalance(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		var pending int64
		for _, grant := range grants {
			pending += grant.Remaining().Int64()
		}
		running := active.Int64() + pending
		grantIDs := make([]GrantID, 0, len(grants))
		for _, grant := range grants {
			grantIDs = append(grantIDs, grant.GrantID())
			burned := grant.Remaining().Int64()
			if burned == 0 {
				continue
			}
			metadata, err := MergeMetadata(MetadataJSON{}, map[string]any{
				metadataKeyGrantID: grant.GrantID().String(),
				"source":           grant.Source().String(),
				"expired_at":       grant.ExpiresUnixUTC(),
			})
			if err != nil {
				return err
			}
			transactionInput, err := NewTransactionInput(
				userID,
				TransactionExpiration,
				SignedCredits(-burned),
				"credits expired",
				Credits(running),
				Credits(running-burned),
				metadata,
				nowUnixUTC,
			)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertTransaction(ctx, transactionInput); err != nil {
				return err
			}
			running -= burned
			burnedTotal += Credits(burned)
		}
		return transactionStore.MarkExpirationRecorded(ctx, grantIDs)
	})
	if err != nil {
		return 0, 0, err
	}
	return recorded, burnedTotal, nil
}

func groupGrantsByUser(grants []CreditGrant) [][]CreditGrant {
	var (
		groups [][]CreditGrant
		index  = map[string]int{}
	)
	for _, grant := range grants {
		key := grant.UserID().String()
		position, exists := index[key]
		if !exists {
			position = len(groups)
			index[key] = position
			groups = append(groups, nil)
		}
		groups[position] = append(groups[position], grant)
	}
	return groups
}
