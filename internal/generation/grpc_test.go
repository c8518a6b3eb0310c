package generation

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeGenerationServer answers the Struct-based methods through an
// unknown-service handler and records every request it sees.
type fakeGenerationServer struct {
	mu       sync.Mutex
	requests map[string][]*structpb.Struct
	replies  map[string]*structpb.Struct
}

func (f *fakeGenerationServer) handle(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method")
	}
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	f.mu.Lock()
	f.requests[method] = append(f.requests[method], in)
	reply, ok := f.replies[method]
	f.mu.Unlock()
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	return stream.SendMsg(reply)
}

func (f *fakeGenerationServer) setReply(method string, reply *structpb.Struct) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = reply
}

func (f *fakeGenerationServer) lastRequest(method string) *structpb.Struct {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[method]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func startFakeServer(t *testing.T, servingStatus healthpb.HealthCheckResponse_ServingStatus) (*fakeGenerationServer, GRPCConfig) {
	t.Helper()

	fake := &fakeGenerationServer{
		requests: make(map[string][]*structpb.Struct),
		replies: map[string]*structpb.Struct{
			methodGenerate: mustStruct(t, map[string]any{
				"response":       "Here is a stronger summary.",
				"sources":        []any{"guide.pdf", ""},
				"low_confidence": true,
			}),
			methodRetrieve: mustStruct(t, map[string]any{"context": "Use action verbs."}),
			methodUpload:   mustStruct(t, map[string]any{}),
		},
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, servingStatus)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGRPCConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	return fake, cfg
}

func TestGRPCBackendGenerate(t *testing.T) {
	fake, cfg := startFakeServer(t, healthpb.HealthCheckResponse_SERVING)
	b, err := NewGRPCBackend(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	res, err := b.Generate(context.Background(), Request{
		SystemPrompt: "be helpful",
		Query:        "improve my summary",
		Context:      "Keep it to one page.",
		SessionID:    "sid-1",
		Sampling:     Sampling{Model: "4o-mini", Temperature: 0.2, LastK: 5, RAG: true, RAGK: 3, RAGThreshold: 0.4},
	})
	require.NoError(t, err)
	assert.Equal(t, "Here is a stronger summary.", res.Text)
	assert.Equal(t, []string{"guide.pdf"}, res.Sources)
	assert.True(t, res.LowConfidence)

	sent := fake.lastRequest(methodGenerate).GetFields()
	assert.Equal(t, "sid-1", sent["session_id"].GetStringValue())
	assert.Equal(t, "improve my summary", sent["query"].GetStringValue())
	assert.Equal(t, "Keep it to one page.", sent["context"].GetStringValue())
	assert.InDelta(t, 5, sent["lastk"].GetNumberValue(), 0)
	assert.True(t, sent["rag_usage"].GetBoolValue())
}

func TestGRPCBackendRetrieveAndUpload(t *testing.T) {
	fake, cfg := startFakeServer(t, healthpb.HealthCheckResponse_SERVING)
	b, err := NewGRPCBackend(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	got, err := b.Retrieve(ctx, RetrieveRequest{Query: "verbs", SessionID: "guides", Threshold: 0.5, K: 3})
	require.NoError(t, err)
	assert.Equal(t, "Use action verbs.", got)

	require.NoError(t, b.UploadFile(ctx, "sid", "cv.pdf", "application/pdf", []byte("%PDF-1.4")))
	sent := fake.lastRequest(methodUpload).GetFields()
	assert.Equal(t, "file", sent["kind"].GetStringValue())
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")), sent["data"].GetStringValue())

	require.NoError(t, b.UploadText(ctx, "sid", "https://example.com", "page text"))
	assert.Equal(t, "page text", fake.lastRequest(methodUpload).GetFields()["text"].GetStringValue())
}

func TestGRPCBackendUploadRejected(t *testing.T) {
	fake, cfg := startFakeServer(t, healthpb.HealthCheckResponse_SERVING)
	fake.setReply(methodUpload, mustStruct(t, map[string]any{"error": "unsupported file"}))

	b, err := NewGRPCBackend(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	err = b.UploadText(context.Background(), "sid", "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file")
}

func TestGRPCBackendEmptyResponse(t *testing.T) {
	fake, cfg := startFakeServer(t, healthpb.HealthCheckResponse_SERVING)
	fake.setReply(methodGenerate, mustStruct(t, map[string]any{"response": ""}))

	b, err := NewGRPCBackend(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Generate(context.Background(), Request{Query: "hi", SessionID: "sid"})
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewGRPCBackendRejectsNotServing(t *testing.T) {
	_, cfg := startFakeServer(t, healthpb.HealthCheckResponse_NOT_SERVING)

	_, err := NewGRPCBackend(cfg, zaptest.NewLogger(t))
	require.ErrorIs(t, err, errNotServing)
}
