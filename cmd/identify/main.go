// Command identify matches one component photo against a directory of
// reference images, or against a running matcher service.
//
// Usage:
//
//	identify -image photo.jpg -references standard_components [-catalog components.toml]
//	identify -image photo.jpg -addr localhost:50051 [-token jwt]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/example/component-matcher/internal/grpcclient"
	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/logging"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/reference"
)

const (
	exitOK      = 0
	exitError   = 1
	exitNoMatch = 2
)

type options struct {
	image      string
	references string
	catalog    string
	workers    int
	resampler  string
	baseURL    string
	maxPixels  int
	addr       string
	token      string
	timeout    time.Duration
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.image, "image", "", "query image file (required)")
	fs.StringVar(&opts.references, "references", "standard_components", "reference image directory (local mode)")
	fs.StringVar(&opts.catalog, "catalog", "", "TOML component catalog (local mode, defaults to the built-in catalog)")
	fs.IntVar(&opts.workers, "workers", 1, "concurrent reference comparisons (local mode)")
	fs.StringVar(&opts.resampler, "resampler", "bilinear", "resampler: approx-bilinear, bilinear, catmull-rom, nearest")
	fs.StringVar(&opts.baseURL, "base-url", "", "base URL for match_image_url (local mode)")
	fs.IntVar(&opts.maxPixels, "max-pixels", imageprocessor.DefaultMaxPixels, "largest accepted query width*height (local mode)")
	fs.StringVar(&opts.addr, "addr", "", "matcher gRPC address; enables remote mode")
	fs.StringVar(&opts.token, "token", "", "bearer token for remote mode")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&opts.verbose, "v", false, "log per-reference diagnostics to stderr")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if opts.image == "" {
		fmt.Fprintln(stderr, "Error: -image is required")
		fs.Usage()
		return exitError
	}

	logger := zap.NewNop()
	if opts.verbose {
		var err error
		logger, err = logging.NewLogger(logging.Config{Level: "debug"})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		defer logger.Sync() //nolint:errcheck
	}

	data, err := os.ReadFile(opts.image)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading image: %v\n", err)
		return exitError
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	var result interface{}
	if opts.addr != "" {
		result, err = identifyRemote(ctx, opts, data, logger)
	} else {
		result, err = identifyLocal(ctx, opts, data, logger)
	}

	switch {
	case err == nil:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		return exitOK
	case errors.Is(err, matcher.ErrNoMatch):
		fmt.Fprintln(stdout, `{"error": "No match found"}`)
		return exitNoMatch
	default:
		var decodeErr *imageprocessor.DecodeError
		if errors.As(err, &decodeErr) {
			fmt.Fprintf(stderr, "Error: query image could not be decoded: %v\n", decodeErr.Err)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return exitError
	}
}

func identifyLocal(ctx context.Context, opts options, data []byte, logger *zap.Logger) (*matcher.Result, error) {
	catalog := reference.DefaultCatalog()
	if opts.catalog != "" {
		var err error
		if catalog, err = reference.LoadCatalog(opts.catalog); err != nil {
			return nil, err
		}
	}

	interp, err := imageprocessor.InterpolatorByName(opts.resampler)
	if err != nil {
		return nil, err
	}

	set, err := reference.NewDirectorySource(opts.references, logger).Load(ctx)
	if err != nil {
		return nil, err
	}

	matcherOpts := []matcher.Option{
		matcher.WithWorkers(opts.workers),
		matcher.WithInterpolator(interp),
		matcher.WithDescriber(catalog),
		matcher.WithMaxPixels(opts.maxPixels),
		matcher.WithLogger(logger),
	}
	if opts.baseURL != "" {
		matcherOpts = append(matcherOpts, matcher.WithImageURLBase(opts.baseURL))
	}
	return matcher.New(matcherOpts...).Identify(ctx, data, set.References)
}

type remoteResult struct {
	RequestID string `json:"request_id"`
	Cached    bool   `json:"cached,omitempty"`
	matcher.Result
}

func identifyRemote(ctx context.Context, opts options, data []byte, logger *zap.Logger) (*remoteResult, error) {
	client, err := grpcclient.DialMatcher(ctx, opts.addr, logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if opts.token != "" {
		client.WithToken(opts.token)
	}
	ident, err := client.Identify(ctx, data)
	if err != nil {
		return nil, err
	}
	return &remoteResult{RequestID: ident.RequestID, Cached: ident.Cached, Result: ident.Result}, nil
}
