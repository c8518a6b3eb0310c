package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service the remote backend registers.
const ServiceName = "resumai.generation.v1.Generation"

const (
	methodGenerate = "/" + ServiceName + "/Generate"
	methodRetrieve = "/" + ServiceName + "/Retrieve"
	methodUpload   = "/" + ServiceName + "/Upload"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("generation service not serving")
)

// GRPCConfig holds connection settings for the remote backend.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCBackend calls a remote generation service. Messages are
// google.protobuf.Struct values so no generated stubs are required.
type GRPCBackend struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *zap.Logger
}

var _ Backend = (*GRPCBackend)(nil)

// NewGRPCBackend connects to the service and waits until it reports serving.
func NewGRPCBackend(cfg GRPCConfig, logger *zap.Logger) (*GRPCBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("generation")

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generation service at %s: %w", cfg.Address, err)
	}

	b := &GRPCBackend{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("generation service at %s not ready: %w", cfg.Address, err)
	}
	if err := b.Health(connectCtx); err != nil {
		_ = b.Close()
		return nil, err
	}

	logger.Info("Connected to generation service", zap.String("address", cfg.Address))
	return b, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (b *GRPCBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("failed to close gRPC connection", zap.Error(err))
		return err
	}
	return nil
}

// Health checks the standard gRPC health service for the generation service.
func (b *GRPCBackend) Health(ctx context.Context) error {
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Generate forwards the query with its sampling parameters.
func (b *GRPCBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	in, err := structpb.NewStruct(map[string]any{
		"system":        req.SystemPrompt,
		"query":         req.Query,
		"context":       req.Context,
		"session_id":    req.SessionID,
		"model":         req.Sampling.Model,
		"temperature":   req.Sampling.Temperature,
		"lastk":         req.Sampling.LastK,
		"rag_usage":     req.Sampling.RAG,
		"rag_k":         req.Sampling.RAGK,
		"rag_threshold": req.Sampling.RAGThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	out := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, methodGenerate, in, out); err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}

	fields := out.GetFields()
	text := fields["response"].GetStringValue()
	if text == "" {
		return nil, ErrEmptyResponse
	}

	res := &Result{
		Text:          text,
		LowConfidence: fields["low_confidence"].GetBoolValue(),
	}
	for _, v := range fields["sources"].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			res.Sources = append(res.Sources, s)
		}
	}
	return res, nil
}

// Retrieve returns the concatenated context for query from a session corpus.
func (b *GRPCBackend) Retrieve(ctx context.Context, req RetrieveRequest) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"query":         req.Query,
		"session_id":    req.SessionID,
		"rag_threshold": req.Threshold,
		"rag_k":         req.K,
	})
	if err != nil {
		return "", fmt.Errorf("encode retrieve request: %w", err)
	}

	out := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, methodRetrieve, in, out); err != nil {
		return "", fmt.Errorf("retrieve request failed: %w", err)
	}
	return out.GetFields()["context"].GetStringValue(), nil
}

// UploadText adds a text document to the session corpus.
func (b *GRPCBackend) UploadText(ctx context.Context, sessionID, name, text string) error {
	return b.upload(ctx, map[string]any{
		"session_id": sessionID,
		"name":       name,
		"kind":       "text",
		"text":       text,
	})
}

// UploadFile adds a binary document. Data travels base64-encoded.
func (b *GRPCBackend) UploadFile(ctx context.Context, sessionID, name, mimeType string, data []byte) error {
	return b.upload(ctx, map[string]any{
		"session_id": sessionID,
		"name":       name,
		"kind":       "file",
		"mime_type":  mimeType,
		"data":       base64.StdEncoding.EncodeToString(data),
		"strategy":   "smart",
	})
}

func (b *GRPCBackend) upload(ctx context.Context, fields map[string]any) error {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode upload request: %w", err)
	}

	out := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, methodUpload, in, out); err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
		return fmt.Errorf("upload rejected: %s", msg)
	}
	return nil
}
