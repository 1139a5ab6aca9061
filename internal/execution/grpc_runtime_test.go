package execution

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeAgent answers RunTask and StreamTask with canned messages.
type fakeAgent struct {
	got     chan *structpb.Struct
	reply   map[string]any
	fail    bool
	updates int
}

var fakeAgentDesc = grpc.ServiceDesc{
	ServiceName: "carat.agent.v1.ImageAgent",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "RunTask",
		Handler: func(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			a := srv.(*fakeAgent)
			a.got <- in
			if a.fail {
				return nil, status.Error(codes.Unavailable, "agent overloaded")
			}
			return structpb.NewStruct(a.reply)
		},
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamTask",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := &structpb.Struct{}
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			a := srv.(*fakeAgent)
			a.got <- in
			for i := 0; i < a.updates; i++ {
				progress, _ := structpb.NewStruct(map[string]any{"type": "progress", "step": float64(i)})
				if err := stream.SendMsg(progress); err != nil {
					return err
				}
			}
			if a.reply == nil {
				return nil
			}
			final := map[string]any{"type": "result"}
			for k, v := range a.reply {
				final[k] = v
			}
			msg, _ := structpb.NewStruct(final)
			return stream.SendMsg(msg)
		},
	}},
}

func startAgent(t *testing.T, agent *fakeAgent) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&fakeAgentDesc, agent)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcConfig("passthrough:///bufnet")
	conn, err := Dial(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sampleRequest() RuntimeRequest {
	return RuntimeRequest{
		TaskID:    "t1",
		SessionID: "s1",
		Params: ToolParams{
			Action: domain.ActionEdit,
			Prompt: "Recolor the selected area",
			Size:   "1024x1024",
			Image:  []byte("img"),
			Mask:   []byte("mask"),
		},
	}
}

func TestUnaryRuntime(t *testing.T) {
	agent := &fakeAgent{
		got:   make(chan *structpb.Struct, 1),
		reply: map[string]any{"status": "ok", "image_b64": base64.StdEncoding.EncodeToString([]byte("png")), "note": "done"},
	}
	rt, err := NewRuntime(RuntimeGrpcUnary, startAgent(t, agent))
	require.NoError(t, err)

	resp, err := rt.Run(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), resp.Image)
	assert.Equal(t, "done", resp.Note)

	in := <-agent.got
	f := in.GetFields()
	assert.Equal(t, "EDIT", f["action"].GetStringValue())
	assert.Equal(t, "Recolor the selected area", f["prompt"].GetStringValue())
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("mask")), f["mask_b64"].GetStringValue())
}

func TestUnaryRuntimeError(t *testing.T) {
	agent := &fakeAgent{got: make(chan *structpb.Struct, 1), fail: true}
	rt, err := NewRuntime(RuntimeGrpcUnary, startAgent(t, agent))
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStreamRuntime(t *testing.T) {
	agent := &fakeAgent{
		got:     make(chan *structpb.Struct, 1),
		updates: 3,
		reply:   map[string]any{"image_b64": base64.StdEncoding.EncodeToString([]byte("streamed"))},
	}
	rt, err := NewRuntime(RuntimeGrpcStream, startAgent(t, agent))
	require.NoError(t, err)

	resp, err := rt.Run(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("streamed"), resp.Image)
}

func TestStreamRuntimeEndsWithoutResult(t *testing.T) {
	agent := &fakeAgent{got: make(chan *structpb.Struct, 1), updates: 1}
	rt, err := NewRuntime(RuntimeGrpcStream, startAgent(t, agent))
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, errStreamEnded)
}

func TestDecodeResultAgentError(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{"status": "error", "error": "no gpu"})
	require.NoError(t, err)
	_, err = decodeResult(msg)
	assert.ErrorIs(t, err, errAgentFailed)
	assert.Contains(t, err.Error(), "no gpu")
}

func TestNewRuntimeKinds(t *testing.T) {
	rt, err := NewRuntime(RuntimeNone, nil)
	require.NoError(t, err)
	assert.Nil(t, rt)

	_, err = NewRuntime(RuntimeGrpcUnary, nil)
	assert.ErrorIs(t, err, errNilConn)

	_, err = ParseRuntimeKind("carrier-pigeon")
	assert.Error(t, err)
	kind, err := ParseRuntimeKind(" GRPC-STREAM ")
	require.NoError(t, err)
	assert.Equal(t, RuntimeGrpcStream, kind)
}

func TestDialFailsFastOnBadEndpoint(t *testing.T) {
	cfg := DefaultGrpcConfig("passthrough:///nowhere")
	cfg.ConnectTimeout = 100 * time.Millisecond
	_, err := Dial(cfg, nil, grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, net.ErrClosed
	}))
	assert.Error(t, err)
}
