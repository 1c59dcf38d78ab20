package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/clearcart/checkout-api/internal/domain"
	pfirestore "github.com/clearcart/checkout-api/internal/platform/firestore"
	"github.com/clearcart/checkout-api/internal/repositories"
)

const submissionRecordCollection = "submissionRecords"

const defaultSubmissionRecordLimit = 50

// SubmissionRecordRepository appends the per-attempt audit trail to Firestore.
type SubmissionRecordRepository struct {
	base *pfirestore.BaseRepository[submissionRecordDocument]
}

// NewSubmissionRecordRepository constructs a Firestore-backed submission record repository.
func NewSubmissionRecordRepository(provider *pfirestore.Provider) (*SubmissionRecordRepository, error) {
	if provider == nil {
		return nil, errors.New("submission record repository requires firestore provider")
	}
	return &SubmissionRecordRepository{
		base: pfirestore.NewBaseRepository[submissionRecordDocument](provider, submissionRecordCollection, nil, nil),
	}, nil
}

// Append stores the record. Records are immutable once written; Create fails
// on an ID collision instead of silently overwriting an earlier attempt.
func (r *SubmissionRecordRepository) Append(ctx context.Context, record domain.SubmissionRecord) error {
	if strings.TrimSpace(record.ShopperID) == "" {
		return errors.New("submission record repository: shopper id is required")
	}

	doc := submissionRecordDocument{
		ShopperID: strings.TrimSpace(record.ShopperID),
		OrderID:   strings.TrimSpace(record.OrderID),
		Operation: string(record.Operation),
		Outcome:   record.Outcome,
		ErrorCode: record.ErrorCode,
		CreatedAt: record.CreatedAt.UTC(),
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	if _, err := r.base.Create(ctx, strings.TrimSpace(record.ID), doc); err != nil {
		return err
	}
	return nil
}

// ListByOrder returns the most recent attempts for the order, newest first.
func (r *SubmissionRecordRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.SubmissionRecord, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("submission record repository: order id is required")
	}
	if limit <= 0 {
		limit = defaultSubmissionRecordLimit
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderId", "==", id).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	records := make([]domain.SubmissionRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.Data.toDomain(doc.ID))
	}
	return records, nil
}

type submissionRecordDocument struct {
	ShopperID string    `firestore:"shopperId"`
	OrderID   string    `firestore:"orderId,omitempty"`
	Operation string    `firestore:"operation"`
	Outcome   string    `firestore:"outcome"`
	ErrorCode string    `firestore:"errorCode,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d submissionRecordDocument) toDomain(id string) domain.SubmissionRecord {
	return domain.SubmissionRecord{
		ID:        id,
		ShopperID: d.ShopperID,
		OrderID:   d.OrderID,
		Operation: domain.SubmissionOperation(d.Operation),
		Outcome:   d.Outcome,
		ErrorCode: d.ErrorCode,
		CreatedAt: d.CreatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.SubmissionRecordRepository = (*SubmissionRecordRepository)(nil)
