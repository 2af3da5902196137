// Package grpcserver exposes component identification over gRPC using
// well-known protobuf message types, so no generated stubs are needed.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/component-matcher/internal/auth"
	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/usecase"
)

const (
	ServiceName    = "componentmatcher.v1.Matcher"
	IdentifyMethod = "/" + ServiceName + "/Identify"

	// MaxMessageSize leaves headroom over the 10 MiB image limit.
	MaxMessageSize = 11 << 20
)

// Identifier is the use case entry point served by the RPC.
type Identifier interface {
	IdentifyComponent(ctx context.Context, req usecase.IdentifyRequest) (*usecase.Identification, error)
}

// MatcherServer is the service implementation type registered with gRPC.
type MatcherServer interface {
	Identify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// Server adapts the identification use case to MatcherServer.
type Server struct {
	svc    Identifier
	logger *zap.Logger
}

// NewServer builds the RPC handler.
func NewServer(svc Identifier, logger *zap.Logger) *Server {
	return &Server{svc: svc, logger: logger.Named("grpc")}
}

// Identify matches the image carried in req. No match is reported as NotFound.
func (s *Server) Identify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is required")
	}

	userID, _ := auth.GetUserID(ctx)
	ident, err := s.svc.IdentifyComponent(ctx, usecase.IdentifyRequest{
		UserID: userID,
		Source: usecase.SourceGRPC,
		Image:  req.GetValue(),
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	if !ident.Matched() {
		return nil, status.Errorf(codes.NotFound, "No match found (request %s)", ident.RequestID)
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		"request_id":       ident.RequestID,
		"cached":           ident.Cached,
		"component":        ident.Result.Component,
		"match_image":      ident.Result.MatchImage,
		"similarity_score": ident.Result.SimilarityScore,
		"description":      ident.Result.Description,
		"match_image_url":  ident.Result.MatchImageURL,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func (s *Server) toStatus(err error) error {
	var decodeErr *imageprocessor.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		return status.Error(codes.InvalidArgument, decodeErr.Error())
	case errors.Is(err, matcher.ErrNoMatch):
		return status.Error(codes.NotFound, "No match found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		s.logger.Error("identify failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Identify", Handler: identifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "componentmatcher/v1/matcher.proto",
}

func identifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MatcherServer).Identify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IdentifyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatcherServer).Identify(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv MatcherServer) {
	s.RegisterService(&serviceDesc, srv)
}

// New returns a gRPC server with the matcher registered, request logging,
// and optional bearer-token attribution through verifier.
func New(svc Identifier, verifier *auth.Verifier, logger *zap.Logger) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{LoggingInterceptor(logger)}
	if verifier != nil {
		interceptors = append(interceptors, AuthInterceptor(verifier))
	}
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	Register(server, NewServer(svc, logger))
	return server
}

// AuthInterceptor attaches the token subject when an authorization header is
// present. Calls without one proceed anonymously.
func AuthInterceptor(verifier *auth.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
			return handler(ctx, req)
		}
		subject, err := verifier.Authenticate(values[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(auth.WithUserID(ctx, subject), req)
	}
}

// LoggingInterceptor logs every unary call with its status code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc handled",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)))
		return resp, err
	}
}
