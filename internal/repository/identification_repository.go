package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/component-matcher/internal/retry"
)

// ErrNotFound is returned when no identification log matches a lookup.
var ErrNotFound = errors.New("identification log not found")

const duplicateLimit = 50

// IdentificationLog represents one persisted identification request.
type IdentificationLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID              string    `gorm:"column:user_id;size:64"`
	Source              string    `gorm:"column:source;size:16"`
	SHA1Hash            string    `gorm:"column:sha1_hash;index;size:40"`
	Matched             bool      `gorm:"column:matched"`
	Component           string    `gorm:"column:component;size:128"`
	MatchImage          string    `gorm:"column:match_image;size:255"`
	SimilarityScore     float64   `gorm:"column:similarity_score"`
	Details             string    `gorm:"column:details;type:text"`
	ProcessingLatencyMs int64     `gorm:"column:processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentificationLog) TableName() string {
	return "identification_logs"
}

// MetricsAggregation holds raw totals computed by the database.
type MetricsAggregation struct {
	TotalCount                 int64
	MatchedCount               int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
}

// ComponentCount is the number of matches won by one component.
type ComponentCount struct {
	Component string `json:"component"`
	Count     int64  `json:"count"`
}

// IdentificationRepository provides persistence APIs for identification logs.
type IdentificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewIdentificationRepository creates a new repository instance.
func NewIdentificationRepository(db *gorm.DB, logger *zap.Logger) *IdentificationRepository {
	return &IdentificationRepository{
		db:     db,
		logger: logger.Named("identification_repository"),
		retry:  retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *IdentificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentificationLog{})
}

// SaveLog persists an identification log entry.
func (r *IdentificationRepository) SaveLog(ctx context.Context, log *IdentificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log written for requestID.
func (r *IdentificationRepository) FindByRequestID(ctx context.Context, requestID string) (*IdentificationLog, error) {
	var (
		log   IdentificationLog
		found bool
	)
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		res := r.db.WithContext(ctx).Where("request_id = ?", requestID).Limit(1).Find(&log)
		found = res.RowsAffected > 0
		return res.Error
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &log, nil
}

// FindDuplicatesByHash lists other requests that submitted the same image, newest first.
func (r *IdentificationRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*IdentificationLog, error) {
	var logs []*IdentificationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("sha1_hash = ? AND request_id <> ?", hash, excludeRequestID).
			Order("created_at DESC").
			Limit(duplicateLimit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes request totals, match counts and averages.
func (r *IdentificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&IdentificationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0) AS matched_count,
				COALESCE(AVG(CASE WHEN matched THEN similarity_score END), 0) AS average_score,
				COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// ComponentCounts returns how often each component won, most frequent first.
func (r *IdentificationRepository) ComponentCounts(ctx context.Context) ([]ComponentCount, error) {
	var counts []ComponentCount
	err := r.executeWithRetry(ctx, "repository.component_counts", "", func() error {
		return r.db.WithContext(ctx).
			Model(&IdentificationLog{}).
			Select("component, COUNT(*) AS count").
			Where("matched = ?", true).
			Group("component").
			Order("count DESC, component ASC").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *IdentificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, requestID, fn)
}
