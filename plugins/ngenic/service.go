package ngenic

import (
	context "context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/coordinator"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

const ServiceName = "ngenic.v1.NgenicService"

// Controller is the part of the coordinator the control plane drives.
type Controller interface {
	CurrentSnapshot() topology.Snapshot
	Status() coordinator.Status
	ForceRefresh(ctx context.Context) error
	SetTargetTemperature(ctx context.Context, nodeID string, celsius float64) error
	SetActiveControl(ctx context.Context, nodeID string, active bool) error
	SetAway(ctx context.Context, gatewayID string, window topology.AwayWindow) error
	ActivateAway(ctx context.Context, gatewayID string) error
}

// NgenicServiceServer is the server API for ngenic.v1.NgenicService.
type NgenicServiceServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Refresh(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetTargetTemperature(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActiveControl(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAway(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type service struct {
	ctrl Controller
}

func RegisterNgenicService(server grpc.ServiceRegistrar, ctrl Controller) {
	server.RegisterService(&ngenicServiceDesc, &service{ctrl: ctrl})
}

func (s *service) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	_ = ctx
	return toStruct(coordinator.SnapshotView(s.ctrl.CurrentSnapshot()))
}

func (s *service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	_ = ctx
	return toStruct(s.ctrl.Status().View())
}

// Refresh runs a refresh cycle and returns the resulting status.
func (s *service) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ctrl.ForceRefresh(ctx); err != nil {
		return nil, refreshStatus(err)
	}
	return toStruct(s.ctrl.Status().View())
}

// SetTargetTemperature takes {node_id, temperature} and returns the snapshot
// read back after the write.
func (s *service) SetTargetTemperature(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nodeID, err := stringArg(in, "node_id")
	if err != nil {
		return nil, err
	}
	celsius, err := numberArg(in, "temperature")
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.SetTargetTemperature(ctx, nodeID, celsius); err != nil {
		return nil, writeStatus(err)
	}
	return toStruct(coordinator.SnapshotView(s.ctrl.CurrentSnapshot()))
}

// SetActiveControl takes {node_id, active}.
func (s *service) SetActiveControl(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	nodeID, err := stringArg(in, "node_id")
	if err != nil {
		return nil, err
	}
	active, err := boolArg(in, "active")
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.SetActiveControl(ctx, nodeID, active); err != nil {
		return nil, writeStatus(err)
	}
	return toStruct(coordinator.SnapshotView(s.ctrl.CurrentSnapshot()))
}

// SetAway takes {gateway_id, away} and optional RFC 3339 start and end. Away
// without a period lasts coordinator.AwayDuration from now.
func (s *service) SetAway(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	gatewayID, err := stringArg(in, "gateway_id")
	if err != nil {
		return nil, err
	}
	away, err := boolArg(in, "away")
	if err != nil {
		return nil, err
	}
	start, hasStart, err := timeArg(in, "start")
	if err != nil {
		return nil, err
	}
	end, hasEnd, err := timeArg(in, "end")
	if err != nil {
		return nil, err
	}

	switch {
	case !away:
		err = s.ctrl.SetAway(ctx, gatewayID, topology.AwayWindow{})
	case hasStart != hasEnd:
		return nil, status.Error(codes.InvalidArgument, "start and end must be given together")
	case hasStart:
		err = s.ctrl.SetAway(ctx, gatewayID, topology.AwayWindow{Start: start, End: end})
	default:
		err = s.ctrl.ActivateAway(ctx, gatewayID)
	}
	if err != nil {
		return nil, writeStatus(err)
	}
	return toStruct(coordinator.SnapshotView(s.ctrl.CurrentSnapshot()))
}

func stringArg(in *structpb.Struct, key string) (string, error) {
	v, ok := in.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v.GetStringValue(), nil
}

func numberArg(in *structpb.Struct, key string) (float64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", key)
	}
	return n.NumberValue, nil
}

func boolArg(in *structpb.Struct, key string) (bool, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return false, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, status.Errorf(codes.InvalidArgument, "%s must be a bool", key)
	}
	return b.BoolValue, nil
}

func timeArg(in *structpb.Struct, key string) (time.Time, bool, error) {
	v, ok := in.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, v.GetStringValue())
	if err != nil {
		return time.Time{}, false, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %v", key, err))
	}
	return ts, true, nil
}

func writeStatus(err error) error {
	switch {
	case errors.Is(err, coordinator.ErrInvalidWindow):
		return status.Error(codes.InvalidArgument, err.Error())
	case apierr.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	default:
		return refreshStatus(err)
	}
}

func refreshStatus(err error) error {
	switch {
	case errors.Is(err, coordinator.ErrRefreshInProgress):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, coordinator.ErrNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case apierr.IsAuth(err):
		return status.Error(codes.Unauthenticated, err.Error())
	case apierr.IsRateLimited(err):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func toStruct(m map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func unaryHandler[In any](method string, call func(NgenicServiceServer, context.Context, *In) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NgenicServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(NgenicServiceServer), ctx, req.(*In))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ngenicServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NgenicServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: unaryHandler("GetSnapshot", NgenicServiceServer.GetSnapshot)},
		{MethodName: "GetStatus", Handler: unaryHandler("GetStatus", NgenicServiceServer.GetStatus)},
		{MethodName: "Refresh", Handler: unaryHandler("Refresh", NgenicServiceServer.Refresh)},
		{MethodName: "SetTargetTemperature", Handler: unaryHandler("SetTargetTemperature", NgenicServiceServer.SetTargetTemperature)},
		{MethodName: "SetActiveControl", Handler: unaryHandler("SetActiveControl", NgenicServiceServer.SetActiveControl)},
		{MethodName: "SetAway", Handler: unaryHandler("SetAway", NgenicServiceServer.SetAway)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ngenic/v1/ngenic.proto",
}
