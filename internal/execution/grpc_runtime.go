package execution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the image agent service. Messages on both methods
// are google.protobuf.Struct.
const (
	methodRunTask    = "/carat.agent.v1.ImageAgent/RunTask"
	methodStreamTask = "/carat.agent.v1.ImageAgent/StreamTask"
)

var (
	errNilConn                  = errors.New("grpc runtime requires a connection")
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentFailed              = errors.New("agent returned error")
	errNoImage                  = errors.New("agent response has no image")
	errStreamEnded              = errors.New("agent stream ended without result")
)

// GrpcConfig holds configuration for the agent connection.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Dial connects to the agent and waits until the connection is ready, so a
// bad endpoint fails at startup. Extra options are appended last.
func Dial(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to image agent at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("image agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to image agent", "address", cfg.Address)
	return conn, nil
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

type unaryRuntime struct {
	conn grpc.ClientConnInterface
}

func (r *unaryRuntime) Run(ctx context.Context, req RuntimeRequest) (*RuntimeResponse, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, methodRunTask, in, out); err != nil {
		return nil, fmt.Errorf("run task: %w", err)
	}
	return decodeResult(out)
}

type streamRuntime struct {
	conn grpc.ClientConnInterface
}

var streamTaskDesc = &grpc.StreamDesc{StreamName: "StreamTask", ServerStreams: true}

// Run reads progress messages until the one of type "result" or "error".
func (r *streamRuntime) Run(ctx context.Context, req RuntimeRequest) (*RuntimeResponse, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.conn.NewStream(ctx, streamTaskDesc, methodStreamTask)
	if err != nil {
		return nil, fmt.Errorf("stream task: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("stream task send: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("stream task close send: %w", err)
	}

	for {
		msg := &structpb.Struct{}
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil, errStreamEnded
		}
		if err != nil {
			return nil, fmt.Errorf("stream task recv: %w", err)
		}
		switch msg.GetFields()["type"].GetStringValue() {
		case "result", "error":
			return decodeResult(msg)
		}
	}
}

func encodeRequest(req RuntimeRequest) (*structpb.Struct, error) {
	p := req.Params
	fields := map[string]any{
		"task_id":    req.TaskID,
		"session_id": req.SessionID,
		"action":     string(p.Action),
		"prompt":     p.Prompt,
		"size":       p.Size,
	}
	if len(p.Image) > 0 {
		fields["image_b64"] = base64.StdEncoding.EncodeToString(p.Image)
	}
	if len(p.Mask) > 0 {
		fields["mask_b64"] = base64.StdEncoding.EncodeToString(p.Mask)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode runtime request: %w", err)
	}
	return s, nil
}

func decodeResult(s *structpb.Struct) (*RuntimeResponse, error) {
	f := s.GetFields()
	if f["status"].GetStringValue() == "error" || f["type"].GetStringValue() == "error" {
		if msg := f["error"].GetStringValue(); msg != "" {
			return nil, fmt.Errorf("%w: %s", errAgentFailed, msg)
		}
		return nil, errAgentFailed
	}
	raw := f["image_b64"].GetStringValue()
	if raw == "" {
		return nil, errNoImage
	}
	img, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode agent image: %w", err)
	}
	return &RuntimeResponse{Image: img, Note: f["note"].GetStringValue()}, nil
}
