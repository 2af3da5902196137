package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/component-matcher/internal/grpcserver"
	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/logging"
	"github.com/example/component-matcher/internal/matcher"
)

// Identification is the remote outcome of a matched query.
type Identification struct {
	RequestID string
	Cached    bool
	Result    matcher.Result
}

// Client calls a remote matcher service.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
	token  string
}

// DialMatcher returns a ready-to-use client for the matcher service. Extra
// options are applied after the insecure transport default.
func DialMatcher(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(grpcserver.MaxMessageSize)),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_matcher", "", err)
		logger.Error("failed to dial matcher", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Client{conn: conn, logger: logger}, nil
}

// WithToken sends token as a bearer credential on every call.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Identify sends image to the service. No match is returned as an error matching
// matcher.ErrNoMatch; a rejected image as *imageprocessor.DecodeError.
func (c *Client) Identify(ctx context.Context, image []byte) (*Identification, error) {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcserver.IdentifyMethod, wrapperspb.Bytes(image), resp); err != nil {
		return nil, c.fromStatus(err)
	}

	fields := resp.AsMap()
	ident := &Identification{
		RequestID: stringField(fields, "request_id"),
		Result: matcher.Result{
			Component:     stringField(fields, "component"),
			MatchImage:    stringField(fields, "match_image"),
			Description:   stringField(fields, "description"),
			MatchImageURL: stringField(fields, "match_image_url"),
		},
	}
	ident.Cached, _ = fields["cached"].(bool)
	ident.Result.SimilarityScore, _ = fields["similarity_score"].(float64)
	return ident, nil
}

func (c *Client) fromStatus(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", matcher.ErrNoMatch, st.Message())
	case codes.InvalidArgument:
		return &imageprocessor.DecodeError{Source: matcher.QuerySource, Err: errors.New(st.Message())}
	default:
		wrapped := logging.NewOperationError("grpcclient.identify", "", err)
		c.logger.Error("matcher call failed", zap.Error(wrapped))
		return wrapped
	}
}

func stringField(fields map[string]interface{}, key string) string {
	value, _ := fields[key].(string)
	return value
}
