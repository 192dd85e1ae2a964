// Package grpcserver exposes the catalog-sync control surface over gRPC.
//
// Messages are google.protobuf.Struct values, so the service descriptor is
// written by hand instead of generated.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/catalog-sync/internal/batch"
	"github.com/and161185/catalog-sync/internal/errs"
	"github.com/and161185/catalog-sync/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "catalogsync.v1.CatalogSync"

// CatalogSyncServer is the server API for the CatalogSync service.
type CatalogSyncServer interface {
	SyncEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FullSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(CatalogSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call handlerFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if ic == nil {
			return call(srv.(CatalogSyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CatalogSyncServer), ctx, req.(*structpb.Struct))
		}
		return ic(ctx, in, info, h)
	}
}

// ServiceDesc describes the CatalogSync service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CatalogSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SyncEntity", Handler: unaryHandler("SyncEntity", CatalogSyncServer.SyncEntity)},
		{MethodName: "FullSync", Handler: unaryHandler("FullSync", CatalogSyncServer.FullSync)},
		{MethodName: "SyncPending", Handler: unaryHandler("SyncPending", CatalogSyncServer.SyncPending)},
		{MethodName: "DeleteEntity", Handler: unaryHandler("DeleteEntity", CatalogSyncServer.DeleteEntity)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "catalogsync/v1/catalogsync.proto",
}

// RegisterCatalogSyncServer registers srv on s.
func RegisterCatalogSyncServer(s grpc.ServiceRegistrar, srv CatalogSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Engine runs synchronization batches.
type Engine interface {
	SyncEntity(ctx context.Context, kind model.Kind, localID string) batch.Result
	FullSync(ctx context.Context, kinds ...model.Kind) batch.Result
	SyncPending(ctx context.Context, kinds ...model.Kind) batch.Result
}

// Deleter removes a local entity together with its remote record.
type Deleter interface {
	Delete(ctx context.Context, kind model.Kind, localID string) error
}

// Server wires the engine and catalog service into gRPC handlers.
type Server struct {
	engine  Engine
	deleter Deleter
}

// New constructs a gRPC server with injected services.
func New(engine Engine, deleter Deleter) *Server {
	return &Server{engine: engine, deleter: deleter}
}

// SyncEntity expects {"kind": "...", "id": "..."}.
func (s *Server) SyncEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := kindAndID(req)
	if err != nil {
		return nil, err
	}
	return resultStruct(s.engine.SyncEntity(ctx, kind, id))
}

// FullSync expects an optional {"kinds": [...]}; empty means every kind.
func (s *Server) FullSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kinds, err := kindsOf(req)
	if err != nil {
		return nil, err
	}
	return resultStruct(s.engine.FullSync(ctx, kinds...))
}

// SyncPending is FullSync restricted to dirty entities, without orphan removal.
func (s *Server) SyncPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kinds, err := kindsOf(req)
	if err != nil {
		return nil, err
	}
	return resultStruct(s.engine.SyncPending(ctx, kinds...))
}

// DeleteEntity expects {"kind": "...", "id": "..."}.
func (s *Server) DeleteEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := kindAndID(req)
	if err != nil {
		return nil, err
	}
	if err := s.deleter.Delete(ctx, kind, id); err != nil {
		return nil, statusFor(err)
	}
	return structpb.NewStruct(map[string]any{
		"success": true,
		"kind":    string(kind),
		"id":      id,
	})
}

func kindAndID(req *structpb.Struct) (model.Kind, string, error) {
	f := req.GetFields()
	kind, ok := model.ParseKind(f["kind"].GetStringValue())
	if !ok {
		return "", "", status.Errorf(codes.InvalidArgument, "unknown kind %q", f["kind"].GetStringValue())
	}
	id := strings.TrimSpace(f["id"].GetStringValue())
	if id == "" {
		return "", "", status.Error(codes.InvalidArgument, "empty id")
	}
	return kind, id, nil
}

func kindsOf(req *structpb.Struct) ([]model.Kind, error) {
	vals := req.GetFields()["kinds"].GetListValue().GetValues()
	out := make([]model.Kind, 0, len(vals))
	for _, v := range vals {
		k, ok := model.ParseKind(v.GetStringValue())
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown kind %q", v.GetStringValue())
		}
		out = append(out, k)
	}
	return out, nil
}

func resultStruct(r batch.Result) (*structpb.Struct, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return st, nil
}

func statusFor(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrInvalidHierarchy), errors.Is(err, errs.ErrDependencyUnresolved):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrRemoteTransport):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

// Client calls a remote CatalogSync service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeResult(st *structpb.Struct) (batch.Result, error) {
	var r batch.Result
	b, err := st.MarshalJSON()
	if err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// SyncEntity asks the server to synchronize one entity.
func (c *Client) SyncEntity(ctx context.Context, kind model.Kind, id string) (batch.Result, error) {
	st, err := c.invoke(ctx, "SyncEntity", map[string]any{"kind": string(kind), "id": id})
	if err != nil {
		return batch.Result{}, err
	}
	return decodeResult(st)
}

// FullSync asks the server for a full reconciliation.
func (c *Client) FullSync(ctx context.Context, kinds []model.Kind) (batch.Result, error) {
	st, err := c.invoke(ctx, "FullSync", kindsRequest(kinds))
	if err != nil {
		return batch.Result{}, err
	}
	return decodeResult(st)
}

// SyncPending asks the server to push dirty entities only.
func (c *Client) SyncPending(ctx context.Context, kinds []model.Kind) (batch.Result, error) {
	st, err := c.invoke(ctx, "SyncPending", kindsRequest(kinds))
	if err != nil {
		return batch.Result{}, err
	}
	return decodeResult(st)
}

// DeleteEntity asks the server to delete one entity everywhere.
func (c *Client) DeleteEntity(ctx context.Context, kind model.Kind, id string) error {
	_, err := c.invoke(ctx, "DeleteEntity", map[string]any{"kind": string(kind), "id": id})
	return err
}

func kindsRequest(kinds []model.Kind) map[string]any {
	list := make([]any, 0, len(kinds))
	for _, k := range kinds {
		list = append(list, string(k))
	}
	return map[string]any{"kinds": list}
}
