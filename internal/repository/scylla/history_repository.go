package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"verify-service/internal/model"
	"verify-service/internal/util"
)

// HistoryRepository archives terminal verification sessions. Rows are
// partitioned by (phone_bucket, phone_hash) and clustered by completion
// time descending, so the support lookup is a single partition read.
type HistoryRepository struct {
	client *ScyllaClient
}

func NewHistoryRepository(client *ScyllaClient) *HistoryRepository {
	return &HistoryRepository{client: client}
}

func (r *HistoryRepository) Archive(ctx context.Context, record *model.HistoryRecord) error {
	query := r.client.Prepared.InsertHistory.WithContext(ctx).Bind(
		record.PhoneBucket,
		record.PhoneHash,
		record.CompletedAt,
		record.VerificationID,
		record.PhoneEncrypted,
		record.Channel,
		record.FinalState,
		record.Attempts,
		record.DeliveryStatus,
		record.RiskLevel,
		record.CreatedAt,
	)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to archive verification history",
			zap.String("verification_id", record.VerificationID),
			zap.Error(err))
		return fmt.Errorf("failed to archive verification history: %w", err)
	}

	return nil
}

func (r *HistoryRepository) RecentByPhoneHash(ctx context.Context, phoneBucket int, phoneHash string, limit int) ([]*model.HistoryRecord, error) {
	iter := r.client.Prepared.SelectHistoryByHash.WithContext(ctx).
		Bind(phoneBucket, phoneHash, limit).Iter()

	var records []*model.HistoryRecord
	for {
		record := &model.HistoryRecord{}
		if !iter.Scan(
			&record.PhoneBucket,
			&record.PhoneHash,
			&record.CompletedAt,
			&record.VerificationID,
			&record.PhoneEncrypted,
			&record.Channel,
			&record.FinalState,
			&record.Attempts,
			&record.DeliveryStatus,
			&record.RiskLevel,
			&record.CreatedAt,
		) {
			break
		}
		records = append(records, record)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read verification history: %w", err)
	}

	return records, nil
}
