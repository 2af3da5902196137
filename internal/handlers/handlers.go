package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/component-matcher/internal/auth"
	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/reference"
	"github.com/example/component-matcher/internal/repository"
	"github.com/example/component-matcher/internal/usecase"
)

// MaxUploadSize bounds uploaded and fetched query images.
const MaxUploadSize = 10 << 20

// multipart boundaries and headers on top of the file itself
const multipartOverhead = 1 << 20

// User-facing messages returned in the "error" field.
const (
	noMatchMessage     = "No match found"
	noImageMessage     = "No image provided"
	tooLargeMessage    = "image exceeds 10MB limit"
	fetchFailedMessage = "Failed to fetch image from URL"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>PCB Component Matcher</title></head>
<body>
<h1>PCB Component Matcher</h1>
<form action="/identify" method="post" enctype="multipart/form-data">
<p><input type="file" name="image" accept="image/*" required></p>
<p><input type="submit" value="Upload &amp; Identify"></p>
</form>
</body>
</html>
`

// Service is the use case surface exposed over HTTP.
type Service interface {
	IdentifyComponent(ctx context.Context, req usecase.IdentifyRequest) (*usecase.Identification, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.IdentificationLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	ReloadReferences(ctx context.Context) (*reference.Set, error)
}

// Options configures the optional parts of the HTTP surface.
type Options struct {
	// OptionalAuth attributes /identify requests to a user when a token is sent.
	OptionalAuth gin.HandlerFunc
	Fetcher      Fetcher
	Catalog      *reference.Catalog
	// StandardDir is served under /standard_components when set.
	StandardDir string
	Logger      *zap.Logger
}

type handler struct {
	svc     Service
	fetcher Fetcher
	catalog *reference.Catalog
	logger  *zap.Logger
}

type identifyResponse struct {
	RequestID string `json:"request_id"`
	Cached    bool   `json:"cached,omitempty"`
	*matcher.Result
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, opts Options) {
	h := &handler{
		svc:     svc,
		fetcher: opts.Fetcher,
		catalog: opts.Catalog,
		logger:  opts.Logger,
	}
	if h.fetcher == nil {
		h.fetcher = NewHTTPFetcher(10 * time.Second)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("http")

	optionalAuth := opts.OptionalAuth
	if optionalAuth == nil {
		optionalAuth = func(c *gin.Context) { c.Next() }
	}

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/components", h.components)
	if opts.StandardDir != "" {
		router.Static("/standard_components", opts.StandardDir)
	}

	router.POST("/identify", optionalAuth, h.identify)

	authorized := router.Group("/", authMiddleware)
	authorized.GET("/result/:id", h.result)
	authorized.GET("/result/:id/duplicates", h.duplicates)
	authorized.GET("/metrics", h.metrics)
	authorized.POST("/references/reload", h.reload)
}

func (h *handler) identify(c *gin.Context) {
	var (
		data    []byte
		source  string
		status  int
		message string
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, status, message = readUpload(c)
		source = usecase.SourceUpload
	} else if c.ContentType() == gin.MIMEJSON {
		data, status, message = h.readURL(c)
		source = usecase.SourceURL
	} else {
		status, message = http.StatusBadRequest, noImageMessage
	}
	if status != http.StatusOK {
		c.JSON(status, gin.H{"error": message})
		return
	}

	userID, _ := auth.GetUserID(c.Request.Context())
	ident, err := h.svc.IdentifyComponent(c.Request.Context(), usecase.IdentifyRequest{
		UserID: userID,
		Source: source,
		Image:  data,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ident.Matched() {
		c.JSON(http.StatusOK, gin.H{"error": noMatchMessage, "request_id": ident.RequestID})
		return
	}
	c.JSON(http.StatusOK, identifyResponse{RequestID: ident.RequestID, Cached: ident.Cached, Result: ident.Result})
}

// readUpload returns the uploaded bytes with http.StatusOK, or the status and
// user-facing message to reply with.
func readUpload(c *gin.Context) ([]byte, int, string) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, tooLargeMessage
		}
		return nil, http.StatusBadRequest, noImageMessage
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, tooLargeMessage
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, "unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, "failed to read image"
	}
	if !acceptedImageType(file.Header.Get("Content-Type"), data) {
		return nil, http.StatusUnsupportedMediaType, "unsupported content type"
	}
	return data, http.StatusOK, ""
}

// acceptedImageType allows declared image/* parts. Parts without a useful
// declared type are sniffed; bytes the sniffer cannot classify are left to the decoder.
func acceptedImageType(declared string, data []byte) bool {
	if declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return false
		}
		if strings.HasPrefix(mediaType, "image/") {
			return true
		}
		if mediaType != "application/octet-stream" {
			return false
		}
	}
	sniffed := http.DetectContentType(data)
	return strings.HasPrefix(sniffed, "image/") || sniffed == "application/octet-stream"
}

func (h *handler) readURL(c *gin.Context) ([]byte, int, string) {
	var body struct {
		Image string `json:"image"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Image) == "" {
		return nil, http.StatusBadRequest, noImageMessage
	}

	data, err := h.fetcher.Fetch(c.Request.Context(), strings.TrimSpace(body.Image))
	if err != nil {
		h.logger.Info("image download failed", zap.String("url", body.Image), zap.Error(err))
		if errors.Is(err, ErrUpstreamStatus) {
			return nil, http.StatusBadRequest, fetchFailedMessage
		}
		return nil, http.StatusBadRequest, "Error downloading image: " + err.Error()
	}
	return data, http.StatusOK, ""
}

func (h *handler) components(c *gin.Context) {
	entries := []reference.CatalogEntry{}
	if h.catalog != nil {
		entries = h.catalog.Entries()
	}
	c.JSON(http.StatusOK, gin.H{"components": entries})
}

func (h *handler) result(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	log, err := h.svc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logView(log))
}

func (h *handler) duplicates(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	report, err := h.svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	duplicates := make([]gin.H, 0, len(report.Duplicates))
	for _, dup := range report.Duplicates {
		duplicates = append(duplicates, gin.H{
			"request_id": dup.RequestID,
			"component":  dup.Component,
			"matched":    dup.Matched,
			"created_at": dup.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": report.Request.RequestID,
		"sha1_hash":  report.Request.SHA1Hash,
		"count":      len(duplicates),
		"duplicates": duplicates,
	})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) reload(c *gin.Context) {
	set, err := h.svc.ReloadReferences(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"references":  set.Len(),
		"usable":      set.Usable(),
		"fingerprint": set.Fingerprint,
	})
}

func (h *handler) writeError(c *gin.Context, err error) {
	var decodeErr *imageprocessor.DecodeError
	switch {
	case errors.Is(err, imageprocessor.ErrImageTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": decodeErr.Error()})
	case errors.Is(err, matcher.ErrNoMatch):
		c.JSON(http.StatusOK, gin.H{"error": noMatchMessage})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, usecase.ErrInProgress):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, usecase.ErrReloadUnsupported):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func logView(log *repository.IdentificationLog) gin.H {
	return gin.H{
		"request_id":            log.RequestID,
		"user_id":               log.UserID,
		"source":                log.Source,
		"matched":               log.Matched,
		"component":             log.Component,
		"match_image":           log.MatchImage,
		"similarity_score":      log.SimilarityScore,
		"details":               log.Details,
		"processing_latency_ms": log.ProcessingLatencyMs,
		"created_at":            log.CreatedAt,
	}
}
