// Package matcher scores a query image against labelled reference images and
// picks the closest one.
package matcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/example/component-matcher/internal/imageprocessor"
)

// QuerySource is the name attached to decode errors of the query image.
const QuerySource = "query"

// Reference is one labelled exemplar. Err is set when the loader could not decode it.
type Reference struct {
	Name     string
	FileName string
	Image    *imageprocessor.GrayscaleImage
	Err      error
}

// ComponentInfo is display metadata for a matched reference.
type ComponentInfo struct {
	Name        string
	Description string
}

// Describer supplies display metadata for a reference file.
type Describer interface {
	Describe(fileName, name string) ComponentInfo
}

// Digester is implemented by describers whose content can change between runs.
type Digester interface {
	Digest() string
}

// Match is the winning reference and its unrounded score.
type Match struct {
	Reference Reference
	Index     int
	Score     float64
}

// Result is the record handed back to callers of Identify.
type Result struct {
	Component       string  `json:"component"`
	MatchImage      string  `json:"match_image"`
	SimilarityScore float64 `json:"similarity_score"`
	Description     string  `json:"description,omitempty"`
	MatchImageURL   string  `json:"match_image_url,omitempty"`
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithWorkers scores up to n references concurrently. n <= 1 scans sequentially.
func WithWorkers(n int) Option {
	return func(m *Matcher) { m.workers = n }
}

// WithInterpolator sets the resampler used to reach the common shape.
func WithInterpolator(interp draw.Interpolator) Option {
	return func(m *Matcher) {
		if interp != nil {
			m.interp = interp
		}
	}
}

// WithSSIMOptions overrides the SSIM window and constants.
func WithSSIMOptions(opts SSIMOptions) Option {
	return func(m *Matcher) { m.ssim = opts }
}

// WithDescriber attaches component metadata to results.
func WithDescriber(d Describer) Option {
	return func(m *Matcher) { m.describer = d }
}

// WithImageURLBase makes results carry base joined with the matched file name.
func WithImageURLBase(base string) Option {
	return func(m *Matcher) { m.imageURLBase = base }
}

// WithMaxPixels bounds the declared size of query images. n <= 0 disables the check.
func WithMaxPixels(n int) Option {
	return func(m *Matcher) { m.maxPixels = n }
}

// WithLogger sets the logger used for per-reference diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Matcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Matcher runs the resize, score and select scan.
type Matcher struct {
	workers      int
	interp       draw.Interpolator
	ssim         SSIMOptions
	describer    Describer
	imageURLBase string
	maxPixels    int
	logger       *zap.Logger
}

// New builds a Matcher. Without options it scans sequentially with bilinear
// resampling and the default SSIM parameters.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		workers:   1,
		interp:    imageprocessor.DefaultInterpolator,
		ssim:      DefaultSSIMOptions(),
		maxPixels: imageprocessor.DefaultMaxPixels,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("matcher")
	return m
}

// Digest identifies the settings that shape a Result beyond the reference set:
// SSIM parameters, the describer's content and the image URL base.
func (m *Matcher) Digest() string {
	digest := sha1.New()
	fmt.Fprintf(digest, "ssim:%d:%g:%g:%g\n", m.ssim.WindowSize, m.ssim.K1, m.ssim.K2, m.ssim.DataRange)
	fmt.Fprintf(digest, "url:%q\n", m.imageURLBase)
	if d, ok := m.describer.(Digester); ok {
		fmt.Fprintf(digest, "describer:%s\n", d.Digest())
	} else if m.describer != nil {
		fmt.Fprintf(digest, "describer:%T\n", m.describer)
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// CommonShape returns the element-wise minimum of both images' dimensions.
func CommonShape(a, b *imageprocessor.GrayscaleImage) (width, height int) {
	return min(a.Width(), b.Width()), min(a.Height(), b.Height())
}

// Identify decodes the query and returns the best matching reference.
// A query decode failure is returned as *imageprocessor.DecodeError; an empty
// or entirely unusable reference set yields an error matching ErrNoMatch.
func (m *Matcher) Identify(ctx context.Context, query []byte, refs []Reference) (*Result, error) {
	img, err := imageprocessor.LoadGrayscaleLimit(QuerySource, query, m.maxPixels)
	if err != nil {
		return nil, err
	}
	return m.IdentifyImage(ctx, img, refs)
}

// IdentifyImage is Identify for an already decoded query.
func (m *Matcher) IdentifyImage(ctx context.Context, query *imageprocessor.GrayscaleImage, refs []Reference) (*Result, error) {
	match, _, err := m.Best(ctx, query, refs)
	if err != nil {
		return nil, err
	}
	return m.result(match), nil
}

type outcome struct {
	score float64
	err   error
}

// Best scans refs in order and returns the first reference with the highest
// score. Failed references are skipped and reported in the failure list.
func (m *Matcher) Best(ctx context.Context, query *imageprocessor.GrayscaleImage, refs []Reference) (*Match, []Failure, error) {
	outcomes, err := m.scoreAll(ctx, query, refs)
	if err != nil {
		return nil, nil, err
	}

	var (
		best     *Match
		failures []Failure
	)
	for i, o := range outcomes {
		if o.err != nil {
			failures = append(failures, Failure{Reference: refs[i].Name, Err: o.err})
			m.logger.Debug("reference skipped", zap.String("reference", refs[i].FileName), zap.Error(o.err))
			continue
		}
		// Equal scores keep the earlier reference.
		if best == nil || o.score > best.Score {
			best = &Match{Reference: refs[i], Index: i, Score: o.score}
		}
	}

	if best == nil {
		return nil, failures, &NoMatchError{Scanned: len(refs), Failures: failures}
	}
	return best, failures, nil
}

// scoreAll fills one slot per reference so that the reduction in Best sees
// canonical order regardless of worker scheduling.
func (m *Matcher) scoreAll(ctx context.Context, query *imageprocessor.GrayscaleImage, refs []Reference) ([]outcome, error) {
	outcomes := make([]outcome, len(refs))
	if m.workers <= 1 || len(refs) < 2 {
		for i := range refs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			outcomes[i] = m.score(query, refs[i])
		}
		return outcomes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i := range refs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = m.score(query, refs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (m *Matcher) score(query *imageprocessor.GrayscaleImage, ref Reference) outcome {
	if ref.Err != nil {
		return outcome{err: ref.Err}
	}
	if ref.Image == nil {
		return outcome{err: &ComparisonError{Reference: ref.Name, Err: errors.New("reference has no image")}}
	}

	w, h := CommonShape(query, ref.Image)
	q, err := query.Resize(w, h, m.interp)
	if err != nil {
		return outcome{err: &ComparisonError{Reference: ref.Name, Err: err}}
	}
	r, err := ref.Image.Resize(w, h, m.interp)
	if err != nil {
		return outcome{err: &ComparisonError{Reference: ref.Name, Err: err}}
	}
	s, err := SSIM(q, r, m.ssim)
	if err != nil {
		return outcome{err: &ComparisonError{Reference: ref.Name, Err: err}}
	}
	return outcome{score: s}
}

func (m *Matcher) result(match *Match) *Result {
	ref := match.Reference
	res := &Result{
		Component:       ref.Name,
		MatchImage:      ref.FileName,
		SimilarityScore: RoundScore(match.Score),
	}
	if m.describer != nil {
		info := m.describer.Describe(ref.FileName, ref.Name)
		if info.Name != "" {
			res.Component = info.Name
		}
		res.Description = info.Description
	}
	if m.imageURLBase != "" {
		link, err := url.JoinPath(m.imageURLBase, ref.FileName)
		if err != nil {
			m.logger.Warn("cannot build match image url", zap.String("base", m.imageURLBase), zap.Error(err))
		} else {
			res.MatchImageURL = link
		}
	}
	return res
}

// RoundScore rounds a similarity score to three decimal places.
func RoundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}
