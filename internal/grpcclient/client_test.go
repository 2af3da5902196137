package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/component-matcher/internal/auth"
	"github.com/example/component-matcher/internal/grpcserver"
	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/logging"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/usecase"
)

type stubIdentifier struct {
	ident   *usecase.Identification
	err     error
	lastReq usecase.IdentifyRequest
}

func (s *stubIdentifier) IdentifyComponent(ctx context.Context, req usecase.IdentifyRequest) (*usecase.Identification, error) {
	s.lastReq = req
	return s.ident, s.err
}

func startServer(t *testing.T, svc grpcserver.Identifier) *Client {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpcserver.New(svc, auth.NewVerifier("secret", ""), zap.NewNop())
	go server.Serve(listener) //nolint:errcheck
	t.Cleanup(server.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	client, err := DialMatcher(context.Background(), "bufnet", zap.NewNop(), grpc.WithContextDialer(dialer))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIdentifyRoundTrip(t *testing.T) {
	svc := &stubIdentifier{ident: &usecase.Identification{
		RequestID: "req-1",
		Cached:    true,
		Result: &matcher.Result{
			Component:       "ESP32 Board",
			MatchImage:      "esp32_board.jpg",
			SimilarityScore: 0.912,
			MatchImageURL:   "http://localhost/standard_components/esp32_board.jpg",
		},
	}}
	client := startServer(t, svc)

	token, err := auth.IssueToken("secret", "", "user-9", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	ident, err := client.WithToken(token).Identify(context.Background(), []byte("image-bytes"))
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}
	if ident.RequestID != "req-1" || !ident.Cached || ident.Result.MatchImage != "esp32_board.jpg" || ident.Result.SimilarityScore != 0.912 {
		t.Fatalf("unexpected identification: %+v", ident)
	}
	if svc.lastReq.Source != usecase.SourceGRPC || svc.lastReq.UserID != "user-9" || string(svc.lastReq.Image) != "image-bytes" {
		t.Fatalf("unexpected request: %+v", svc.lastReq)
	}
}

func TestIdentifyStatusMapping(t *testing.T) {
	cases := []struct {
		name  string
		svc   *stubIdentifier
		image []byte
		check func(error) bool
	}{
		{
			name:  "no match",
			svc:   &stubIdentifier{ident: &usecase.Identification{RequestID: "req-2"}},
			image: []byte("x"),
			check: func(err error) bool { return errors.Is(err, matcher.ErrNoMatch) },
		},
		{
			name:  "empty image",
			svc:   &stubIdentifier{},
			image: nil,
			check: func(err error) bool {
				var decodeErr *imageprocessor.DecodeError
				return errors.As(err, &decodeErr)
			},
		},
		{
			name:  "decode error",
			svc:   &stubIdentifier{err: &imageprocessor.DecodeError{Source: matcher.QuerySource, Err: errors.New("bad")}},
			image: []byte("x"),
			check: func(err error) bool {
				var decodeErr *imageprocessor.DecodeError
				return errors.As(err, &decodeErr)
			},
		},
		{
			name:  "internal",
			svc:   &stubIdentifier{err: errors.New("db down")},
			image: []byte("x"),
			check: func(err error) bool { return logging.OperationOf(err) == "grpcclient.identify" },
		},
	}

	for _, tc := range cases {
		client := startServer(t, tc.svc)
		_, err := client.Identify(context.Background(), tc.image)
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestIdentifyRejectsBadToken(t *testing.T) {
	svc := &stubIdentifier{ident: &usecase.Identification{RequestID: "req-3"}}
	client := startServer(t, svc)

	_, err := client.WithToken("not-a-jwt").Identify(context.Background(), []byte("x"))
	if err == nil || logging.OperationOf(err) != "grpcclient.identify" {
		t.Fatalf("expected unauthenticated failure, got %v", err)
	}
	if svc.lastReq.Image != nil {
		t.Fatal("expected request not to reach the use case")
	}
}
