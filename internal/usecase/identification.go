package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/logging"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/reference"
	"github.com/example/component-matcher/internal/repository"
	"github.com/example/component-matcher/internal/retry"
)

const processingMarker = "processing"

var (
	// ErrInProgress is returned by GetResult while a request is still being matched.
	ErrInProgress = errors.New("identification in progress")
	// ErrReloadUnsupported is returned when the reference source cannot be reloaded.
	ErrReloadUnsupported = errors.New("reference source does not support reload")
)

// Request sources recorded on identification logs.
const (
	SourceUpload = "upload"
	SourceURL    = "url"
	SourceGRPC   = "grpc"
)

// IdentificationRepository defines the persistence operations needed by the use case.
type IdentificationRepository interface {
	SaveLog(ctx context.Context, log *repository.IdentificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.IdentificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	ComponentCounts(ctx context.Context) ([]repository.ComponentCount, error)
}

// Identifier is the matching entry point used by the use case.
type Identifier interface {
	Identify(ctx context.Context, query []byte, refs []matcher.Reference) (*matcher.Result, error)
}

// Digester is implemented by identifiers whose output depends on settings
// outside the reference set, such as a component catalog.
type Digester interface {
	Digest() string
}

// Reloader is implemented by reference sources that cache their set.
type Reloader interface {
	Reload(ctx context.Context) (*reference.Set, error)
}

// IdentifyRequest is one query image plus who sent it and how.
type IdentifyRequest struct {
	UserID string
	Source string
	Image  []byte
}

// Identification is the outcome of IdentifyComponent. Result is nil when no
// reference could be scored.
type Identification struct {
	RequestID string
	Result    *matcher.Result
	Cached    bool
}

// Matched reports whether a reference was selected.
func (i *Identification) Matched() bool { return i != nil && i.Result != nil }

// DuplicateReport lists earlier submissions of the same image.
type DuplicateReport struct {
	Request    *repository.IdentificationLog
	Duplicates []*repository.IdentificationLog
}

// IdentificationUseCase encapsulates business logic for the identification flow.
type IdentificationUseCase struct {
	repo       IdentificationRepository
	cache      Cache
	references reference.Source
	identifier Identifier
	logger     *zap.Logger
	retry      retry.Policy
	resultTTL  time.Duration
	matchTTL   time.Duration
}

type cachedIdentification struct {
	RequestID  string    `cbor:"request_id"`
	UserID     string    `cbor:"user_id"`
	Source     string    `cbor:"source"`
	Hash       string    `cbor:"sha1_hash"`
	Matched    bool      `cbor:"matched"`
	Component  string    `cbor:"component"`
	MatchImage string    `cbor:"match_image"`
	Score      float64   `cbor:"similarity_score"`
	Details    string    `cbor:"details"`
	LatencyMs  int64     `cbor:"processing_latency_ms"`
	CreatedAt  time.Time `cbor:"created_at"`
}

var cacheEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// NewIdentificationUseCase constructs a new use case instance.
func NewIdentificationUseCase(repo IdentificationRepository, cache Cache, references reference.Source, identifier Identifier, logger *zap.Logger) *IdentificationUseCase {
	return &IdentificationUseCase{
		repo:       repo,
		cache:      cache,
		references: references,
		identifier: identifier,
		logger:     logger.Named("identification_usecase"),
		retry:      retry.DefaultPolicy(),
		resultTTL:  5 * time.Minute,
		matchTTL:   time.Hour,
	}
}

// WithTTLs overrides how long results by request ID and matches by image hash stay cached.
func (uc *IdentificationUseCase) WithTTLs(result, match time.Duration) *IdentificationUseCase {
	if result > 0 {
		uc.resultTTL = result
	}
	if match > 0 {
		uc.matchTTL = match
	}
	return uc
}

func resultKey(requestID string) string {
	return fmt.Sprintf("identification:%s", requestID)
}

func matchKey(hash, fingerprint, settings string) string {
	return fmt.Sprintf("identification:match:%s:%s:%s", hash, fingerprint, settings)
}

// settingsDigest is empty for identifiers that do not implement Digester.
func (uc *IdentificationUseCase) settingsDigest() string {
	if d, ok := uc.identifier.(Digester); ok {
		return d.Digest()
	}
	return ""
}

// IdentifyComponent matches one query image against the current reference set,
// records the outcome and caches it. A query that cannot be decoded is returned
// as *imageprocessor.DecodeError without being recorded.
func (uc *IdentificationUseCase) IdentifyComponent(ctx context.Context, req IdentifyRequest) (*Identification, error) {
	start := time.Now()
	if len(req.Image) == 0 {
		return nil, &imageprocessor.DecodeError{Source: matcher.QuerySource, Err: imageprocessor.ErrEmptyImage}
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify_component", requestID)

	key := resultKey(requestID)
	if err := uc.withRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, processingMarker, time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	set, err := uc.references.Load(ctx)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.load_references", requestID, err)
		opLogger.Error("failed to load reference set", zap.Error(wrapped))
		return nil, wrapped
	}

	sum := sha1.Sum(req.Image)
	hashHex := hex.EncodeToString(sum[:])
	identification := &Identification{RequestID: requestID}
	cacheKey := matchKey(hashHex, set.Fingerprint, uc.settingsDigest())

	identification.Result, identification.Cached = uc.cachedMatch(ctx, requestID, cacheKey)
	if !identification.Cached {
		result, err := uc.identifier.Identify(ctx, req.Image, set.References)
		switch {
		case err == nil:
			identification.Result = result
			uc.storeMatch(ctx, requestID, cacheKey, result)
		case errors.Is(err, matcher.ErrNoMatch):
			opLogger.Info("no usable reference", zap.Error(err), zap.Int("references", set.Len()))
		default:
			var decodeErr *imageprocessor.DecodeError
			if errors.As(err, &decodeErr) {
				opLogger.Info("query image rejected", zap.Error(err))
				return nil, err
			}
			wrapped := logging.NewOperationError("usecase.match", requestID, err)
			opLogger.Error("matching failed", zap.Error(wrapped))
			return nil, wrapped
		}
	}

	log := &repository.IdentificationLog{
		RequestID:           requestID,
		UserID:              req.UserID,
		Source:              req.Source,
		SHA1Hash:            hashHex,
		Matched:             identification.Matched(),
		ProcessingLatencyMs: time.Since(start).Milliseconds(),
		CreatedAt:           time.Now().UTC(),
	}
	if identification.Matched() {
		log.Component = identification.Result.Component
		log.MatchImage = identification.Result.MatchImage
		log.SimilarityScore = identification.Result.SimilarityScore
		log.Details = fmt.Sprintf("matched:%s score:%.3f references:%d cached:%t",
			log.MatchImage, log.SimilarityScore, set.Len(), identification.Cached)
	} else {
		log.Details = fmt.Sprintf("no match references:%d usable:%d", set.Len(), set.Usable())
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist identification log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := cacheEncMode.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize identification result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, serialized, uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache identification result", zap.Error(err))
		return nil, err
	}

	opLogger.Info("identification complete",
		zap.Bool("matched", log.Matched),
		zap.String("match_image", log.MatchImage),
		zap.Float64("similarity_score", log.SimilarityScore),
		zap.Bool("cached", identification.Cached),
		zap.Int64("latency_ms", log.ProcessingLatencyMs))
	return identification, nil
}

// cachedMatch looks up an earlier result for the same image and reference set.
// Cache problems are logged and treated as a miss.
func (uc *IdentificationUseCase) cachedMatch(ctx context.Context, requestID, key string) (*matcher.Result, bool) {
	value, err := uc.withGet(ctx, requestID, "cache.get.match", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.cached_match", requestID).Warn("failed to read match cache", zap.Error(err))
		}
		return nil, false
	}
	var result matcher.Result
	if err := cbor.Unmarshal([]byte(value), &result); err != nil {
		logging.WithOperation(uc.logger, "usecase.cached_match", requestID).Warn("failed to decode cached match", zap.Error(err))
		return nil, false
	}
	return &result, true
}

func (uc *IdentificationUseCase) storeMatch(ctx context.Context, requestID, key string, result *matcher.Result) {
	serialized, err := cacheEncMode.Marshal(result)
	if err == nil {
		err = uc.withRetry(ctx, requestID, "cache.set.match", func() error {
			return uc.cache.Set(ctx, key, serialized, uc.matchTTL)
		})
	}
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.store_match", requestID).Warn("failed to cache match", zap.Error(err))
	}
}

func toCached(log *repository.IdentificationLog) cachedIdentification {
	return cachedIdentification{
		RequestID:  log.RequestID,
		UserID:     log.UserID,
		Source:     log.Source,
		Hash:       log.SHA1Hash,
		Matched:    log.Matched,
		Component:  log.Component,
		MatchImage: log.MatchImage,
		Score:      log.SimilarityScore,
		Details:    log.Details,
		LatencyMs:  log.ProcessingLatencyMs,
		CreatedAt:  log.CreatedAt,
	}
}

func (c cachedIdentification) toLog() *repository.IdentificationLog {
	return &repository.IdentificationLog{
		RequestID:           c.RequestID,
		UserID:              c.UserID,
		Source:              c.Source,
		SHA1Hash:            c.Hash,
		Matched:             c.Matched,
		Component:           c.Component,
		MatchImage:          c.MatchImage,
		SimilarityScore:     c.Score,
		Details:             c.Details,
		ProcessingLatencyMs: c.LatencyMs,
		CreatedAt:           c.CreatedAt,
	}
}

// GetResult retrieves a cached identification outcome or loads it from persistence.
// Results recorded for a user are only visible to that user.
func (uc *IdentificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.IdentificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	log, err := uc.resultFromCache(ctx, requestID, opLogger)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log, err = uc.repo.FindByRequestID(ctx, requestID)
		if err != nil {
			return nil, err
		}
	}
	if log.UserID != "" && log.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return log, nil
}

func (uc *IdentificationUseCase) resultFromCache(ctx context.Context, requestID string, opLogger *zap.Logger) (*repository.IdentificationLog, error) {
	cached, err := uc.withGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, nil
	}
	if cached == processingMarker {
		return nil, ErrInProgress
	}
	var payload cachedIdentification
	if err := cbor.Unmarshal([]byte(cached), &payload); err != nil {
		opLogger.Warn("failed to decode cached result", zap.Error(err))
		return nil, nil
	}
	if payload.RequestID == "" {
		payload.RequestID = requestID
	}
	return payload.toLog(), nil
}

// GetDuplicateReport lists the caller's other identification requests for the same image.
func (uc *IdentificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.GetResult(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}

	found, err := uc.repo.FindDuplicatesByHash(ctx, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	// Only the caller's own submissions are listed.
	duplicates := make([]*repository.IdentificationLog, 0, len(found))
	for _, dup := range found {
		if dup.UserID == userID {
			duplicates = append(duplicates, dup)
		}
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

// ReloadReferences rereads the reference set when the source caches it.
func (uc *IdentificationUseCase) ReloadReferences(ctx context.Context) (*reference.Set, error) {
	reloader, ok := uc.references.(Reloader)
	if !ok {
		return nil, ErrReloadUnsupported
	}
	set, err := reloader.Reload(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.reload_references", "", err)
	}
	uc.logger.Info("reference set reloaded", zap.Int("references", set.Len()), zap.String("fingerprint", set.Fingerprint))
	return set, nil
}

func (uc *IdentificationUseCase) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return uc.retry.Do(ctx, uc.logger, operation, requestID, fn)
}

// withGet reads a key with retries. A miss is reported as an error matching redis.Nil.
func (uc *IdentificationUseCase) withGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var (
		result string
		miss   bool
	)
	err := uc.withRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return result, nil
}
