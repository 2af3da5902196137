package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/logging"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/reference"
	"github.com/example/component-matcher/internal/repository"
)

type stubRepository struct {
	savedLogs  []*repository.IdentificationLog
	saveErr    error
	findLog    *repository.IdentificationLog
	findErr    error
	findCalls  int
	duplicates []*repository.IdentificationLog
	agg        *repository.MetricsAggregation
	counts     []repository.ComponentCount
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.IdentificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.IdentificationLog, error) {
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

func (s *stubRepository) ComponentCounts(ctx context.Context) ([]repository.ComponentCount, error) {
	return s.counts, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubIdentifier struct {
	result *matcher.Result
	err    error
	calls  int
}

func (s *stubIdentifier) Identify(ctx context.Context, query []byte, refs []matcher.Reference) (*matcher.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubSource struct {
	set     *reference.Set
	err     error
	reloads int
}

func (s *stubSource) Load(ctx context.Context) (*reference.Set, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.set, nil
}

type reloadingSource struct{ stubSource }

func (s *reloadingSource) Reload(ctx context.Context) (*reference.Set, error) {
	s.reloads++
	return s.Load(ctx)
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testSet() *stubSource {
	return &stubSource{set: &reference.Set{Fingerprint: "fp", References: []matcher.Reference{{Name: "switch", FileName: "switch.jpg"}}}}
}

func TestIdentifyComponentRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}, getErrs: []error{redis.Nil}}
	repo := &stubRepository{}
	identifier := &stubIdentifier{result: &matcher.Result{Component: "Switch", MatchImage: "switch.jpg", SimilarityScore: 0.9}}
	uc := NewIdentificationUseCase(repo, cache, testSet(), identifier, zap.NewNop())

	ident, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Source: SourceUpload, Image: []byte("image")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !ident.Matched() || ident.Result.Component != "Switch" {
		t.Fatalf("expected match, got %+v", ident)
	}
	if len(cache.setKeys) < 4 {
		t.Fatalf("expected retry, match and result cache writes, got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	saved := repo.savedLogs[0]
	if saved.RequestID != ident.RequestID || !saved.Matched || saved.SHA1Hash == "" || saved.Source != SourceUpload {
		t.Fatalf("unexpected saved log: %+v", saved)
	}
}

func TestIdentifyComponentReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{}
	uc := NewIdentificationUseCase(repo, cache, testSet(), &stubIdentifier{}, zap.NewNop())

	_, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("expected nothing to be persisted")
	}
}

func TestIdentifyComponentUsesCachedMatch(t *testing.T) {
	payload, err := cbor.Marshal(matcher.Result{Component: "USB Power Port", MatchImage: "usb_port.jpg", SimilarityScore: 0.731})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	identifier := &stubIdentifier{}
	uc := NewIdentificationUseCase(repo, cache, testSet(), identifier, zap.NewNop())

	ident, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !ident.Cached || ident.Result.MatchImage != "usb_port.jpg" {
		t.Fatalf("expected cached match, got %+v", ident)
	}
	if identifier.calls != 0 {
		t.Fatalf("expected matcher to be skipped, got %d calls", identifier.calls)
	}
	if len(cache.getKeys) != 1 || cache.getKeys[0] == "" {
		t.Fatalf("unexpected cache lookups: %v", cache.getKeys)
	}
	if repo.savedLogs[0].SimilarityScore != 0.731 {
		t.Fatalf("unexpected saved score: %v", repo.savedLogs[0].SimilarityScore)
	}
}

type digestIdentifier struct {
	stubIdentifier
	digest string
}

func (d *digestIdentifier) Digest() string { return d.digest }

func TestIdentifyComponentKeysMatchesBySettings(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil, redis.Nil}}
	identifier := &digestIdentifier{stubIdentifier: stubIdentifier{result: &matcher.Result{Component: "Switch"}}}
	uc := NewIdentificationUseCase(&stubRepository{}, cache, testSet(), identifier, zap.NewNop())

	identifier.digest = "catalog-v1"
	if _, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")}); err != nil {
		t.Fatalf("first identify failed: %v", err)
	}
	identifier.digest = "catalog-v2"
	if _, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")}); err != nil {
		t.Fatalf("second identify failed: %v", err)
	}

	if len(cache.getKeys) != 2 || cache.getKeys[0] == cache.getKeys[1] {
		t.Fatalf("expected distinct match keys per settings digest, got %v", cache.getKeys)
	}
	if !strings.HasSuffix(cache.getKeys[1], ":catalog-v2") {
		t.Fatalf("expected digest in match key, got %q", cache.getKeys[1])
	}
	if identifier.calls != 2 {
		t.Fatalf("expected both requests to be matched, got %d calls", identifier.calls)
	}
}

func TestIdentifyComponentRecordsNoMatch(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{}
	identifier := &stubIdentifier{err: &matcher.NoMatchError{}}
	uc := NewIdentificationUseCase(repo, cache, testSet(), identifier, zap.NewNop())

	ident, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")})
	if err != nil {
		t.Fatalf("expected no-match outcome without error, got %v", err)
	}
	if ident.Matched() {
		t.Fatalf("expected no match, got %+v", ident.Result)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Matched {
		t.Fatalf("expected unmatched log, got %+v", repo.savedLogs)
	}
}

func TestIdentifyComponentPropagatesDecodeError(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{}
	identifier := &stubIdentifier{err: &imageprocessor.DecodeError{Source: matcher.QuerySource, Err: errors.New("bad")}}
	uc := NewIdentificationUseCase(repo, cache, testSet(), identifier, zap.NewNop())

	_, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")})
	var decodeErr *imageprocessor.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("expected rejected query not to be persisted")
	}
}

func TestIdentifyComponentRejectsEmptyImage(t *testing.T) {
	cache := &stubCache{}
	uc := NewIdentificationUseCase(&stubRepository{}, cache, testSet(), &stubIdentifier{}, zap.NewNop())

	_, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{})
	if !errors.Is(err, imageprocessor.ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if len(cache.setKeys) != 0 {
		t.Fatal("expected no cache writes for empty input")
	}
}

func TestIdentifyComponentWrapsReferenceFailure(t *testing.T) {
	source := &stubSource{err: errors.New("directory missing")}
	uc := NewIdentificationUseCase(&stubRepository{}, &stubCache{}, source, &stubIdentifier{}, zap.NewNop())

	_, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: []byte("image")})
	if got := logging.OperationOf(err); got != "usecase.load_references" {
		t.Fatalf("expected load_references operation, got %q (%v)", got, err)
	}
}

func TestIdentifyComponentWithRealMatcher(t *testing.T) {
	encode := func(v uint8) []byte {
		img := image.NewGray(image.Rect(0, 0, 16, 16))
		for i := range img.Pix {
			img.Pix[i] = v
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		return buf.Bytes()
	}
	black, _ := imageprocessor.LoadGrayscale("a.png", encode(0))
	white, _ := imageprocessor.LoadGrayscale("b.png", encode(255))
	source := &stubSource{set: &reference.Set{Fingerprint: "fp", References: []matcher.Reference{
		{Name: "a", FileName: "a.png", Image: black},
		{Name: "b", FileName: "b.png", Image: white},
	}}}

	repo := &stubRepository{}
	uc := NewIdentificationUseCase(repo, &stubCache{getErrs: []error{redis.Nil}}, source, matcher.New(), zap.NewNop())
	ident, err := uc.IdentifyComponent(context.Background(), IdentifyRequest{Image: encode(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ident.Result.MatchImage != "a.png" || ident.Result.SimilarityScore != 1 {
		t.Fatalf("unexpected result: %+v", ident.Result)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.IdentificationLog{RequestID: "req", UserID: "user", Details: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := NewIdentificationUseCase(repo, cache, testSet(), &stubIdentifier{}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultDecodesCachedPayload(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	payload, err := cacheEncMode.Marshal(cachedIdentification{RequestID: "req", Matched: true, Component: "Switch", Score: 0.5, CreatedAt: created})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	repo := &stubRepository{}
	uc := NewIdentificationUseCase(repo, &stubCache{getValues: []string{string(payload)}}, testSet(), &stubIdentifier{}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "", "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Component != "Switch" || !log.CreatedAt.Equal(created) {
		t.Fatalf("unexpected log: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatal("expected cache hit to skip the repository")
	}
}

func TestGetResultHidesOtherUsersResults(t *testing.T) {
	repo := &stubRepository{findLog: &repository.IdentificationLog{RequestID: "req", UserID: "owner"}}
	uc := NewIdentificationUseCase(repo, &stubCache{getErrs: []error{redis.Nil}}, testSet(), &stubIdentifier{}, zap.NewNop())

	if _, err := uc.GetResult(context.Background(), "intruder", "req"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetResultReportsInProgress(t *testing.T) {
	uc := NewIdentificationUseCase(&stubRepository{}, &stubCache{getValues: []string{processingMarker}}, testSet(), &stubIdentifier{}, zap.NewNop())

	if _, err := uc.GetResult(context.Background(), "", "req"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	repo := &stubRepository{
		findLog:    &repository.IdentificationLog{RequestID: "req", SHA1Hash: "h"},
		duplicates: []*repository.IdentificationLog{{RequestID: "older", SHA1Hash: "h"}},
	}
	uc := NewIdentificationUseCase(repo, &stubCache{getErrs: []error{redis.Nil}}, testSet(), &stubIdentifier{}, zap.NewNop())

	report, err := uc.GetDuplicateReport(context.Background(), "", "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Request.RequestID != "req" || len(report.Duplicates) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestGetDuplicateReportListsOnlyCallersRequests(t *testing.T) {
	repo := &stubRepository{
		findLog: &repository.IdentificationLog{RequestID: "req", UserID: "alice", SHA1Hash: "h"},
		duplicates: []*repository.IdentificationLog{
			{RequestID: "anonymous", SHA1Hash: "h"},
			{RequestID: "bobs", UserID: "bob", SHA1Hash: "h"},
			{RequestID: "alices", UserID: "alice", SHA1Hash: "h"},
		},
	}
	uc := NewIdentificationUseCase(repo, &stubCache{getErrs: []error{redis.Nil}}, testSet(), &stubIdentifier{}, zap.NewNop())

	report, err := uc.GetDuplicateReport(context.Background(), "alice", "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Duplicates) != 1 || report.Duplicates[0].RequestID != "alices" {
		t.Fatalf("expected only alice's duplicate, got %+v", report.Duplicates)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{
		agg:    &repository.MetricsAggregation{TotalCount: 4, MatchedCount: 3, AverageScore: 0.7, AverageProcessingLatencyMs: 12},
		counts: []repository.ComponentCount{{Component: "Switch", Count: 3}},
	}
	uc := NewIdentificationUseCase(repo, &stubCache{}, testSet(), &stubIdentifier{}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.MatchRate != 0.75 || summary.TotalRequests != 4 || len(summary.Components) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestReloadReferences(t *testing.T) {
	uc := NewIdentificationUseCase(&stubRepository{}, &stubCache{}, testSet(), &stubIdentifier{}, zap.NewNop())
	if _, err := uc.ReloadReferences(context.Background()); !errors.Is(err, ErrReloadUnsupported) {
		t.Fatalf("expected ErrReloadUnsupported, got %v", err)
	}

	source := &reloadingSource{stubSource: *testSet()}
	uc = NewIdentificationUseCase(&stubRepository{}, &stubCache{}, source, &stubIdentifier{}, zap.NewNop())
	set, err := uc.ReloadReferences(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.reloads != 1 || set.Len() != 1 {
		t.Fatalf("expected one reload of a single-reference set, got %d reloads, %d refs", source.reloads, set.Len())
	}
}
