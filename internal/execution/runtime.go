package execution

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
)

// RuntimeRequest is the delegated form of a task.
type RuntimeRequest struct {
	TaskID    string
	SessionID string
	Params    ToolParams
}

// RuntimeResponse carries the image produced by the agent runtime.
type RuntimeResponse struct {
	Image []byte
	// Note is optional agent commentary, logged only.
	Note string
}

// Runtime is the primary execution path: an external agent that runs the
// image tools itself.
type Runtime interface {
	Run(ctx context.Context, req RuntimeRequest) (*RuntimeResponse, error)
}

// RuntimeKind selects a Runtime adapter at configuration time.
type RuntimeKind string

const (
	RuntimeNone       RuntimeKind = "none"
	RuntimeGrpcUnary  RuntimeKind = "grpc-unary"
	RuntimeGrpcStream RuntimeKind = "grpc-stream"
)

// ParseRuntimeKind validates a configured runtime kind.
func ParseRuntimeKind(s string) (RuntimeKind, error) {
	switch k := RuntimeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", RuntimeNone:
		return RuntimeNone, nil
	case RuntimeGrpcUnary, RuntimeGrpcStream:
		return k, nil
	}
	return "", fmt.Errorf("unknown agent runtime %q", s)
}

// NewRuntime returns the adapter for kind. RuntimeNone yields a nil
// Runtime, which sends every task straight to the fallback path.
func NewRuntime(kind RuntimeKind, conn grpc.ClientConnInterface) (Runtime, error) {
	switch kind {
	case RuntimeNone, "":
		return nil, nil
	case RuntimeGrpcUnary:
		if conn == nil {
			return nil, errNilConn
		}
		return &unaryRuntime{conn: conn}, nil
	case RuntimeGrpcStream:
		if conn == nil {
			return nil, errNilConn
		}
		return &streamRuntime{conn: conn}, nil
	}
	return nil, fmt.Errorf("unknown agent runtime %q", kind)
}
