// Package grpcserver exposes the acquirer over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON documents as the
// HTTP API, so no generated code is needed.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"megafield/internal/acquisition"
	"megafield/internal/config"
	"megafield/internal/pipeline"
	"megafield/internal/regions"
	"megafield/internal/server"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "megafield.v1.Acquisition"

// AcquisitionServer is the gRPC front of an Acquirer.
type AcquisitionServer struct {
	acq     *acquisition.Acquirer
	backend server.Backend
	cfg     *config.Config
	log     *slog.Logger

	started  time.Time
	requests atomic.Int64
	errors   atomic.Int64
}

// NewAcquisitionServer creates the service.
func NewAcquisitionServer(acq *acquisition.Acquirer, backend server.Backend, cfg *config.Config, log *slog.Logger) *AcquisitionServer {
	return &AcquisitionServer{acq: acq, backend: backend, cfg: cfg, log: log, started: time.Now()}
}

// Register adds the service to s.
func (s *AcquisitionServer) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Start serves on addr until ctx is done.
func (s *AcquisitionServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.Register(g)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		g.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	return g.Serve(lis)
}

func (s *AcquisitionServer) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	s.requests.Add(1)
	resp, err := handler(ctx, req)
	if err != nil {
		s.errors.Add(1)
		s.log.Warn("gRPC call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.log.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// RegionRequest names a region of acquisition and how to acquire it.
type RegionRequest struct {
	Name            string       `json:"name"`
	Points          [][2]float64 `json:"points"`
	Overlap         *float64     `json:"overlap,omitempty"`
	PreCalibrations []string     `json:"pre_calibrations,omitempty"`
	SubPath         string       `json:"sub_path,omitempty"`
	SaveFullCells   bool         `json:"save_full_cells,omitempty"`
}

// Estimate is the reply to an estimate request.
type Estimate struct {
	Fields      int     `json:"fields"`
	EstimateSec float64 `json:"estimate_sec"`
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct fills v from the JSON form of s.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, acquisition.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *AcquisitionServer) region(req RegionRequest) (*acquisition.Region, error) {
	if req.Name == "" {
		req.Name = "megafield"
	}
	f := regions.File{Name: req.Name, Overlap: req.Overlap, Points: req.Points}
	return f.Build(acquisition.FieldGeometryOf(s.backend.Megafield.MultiBeam), s.cfg.Acquisition.Overlap)
}

func (s *AcquisitionServer) decodeRegion(in *structpb.Struct) (RegionRequest, *acquisition.Region, error) {
	var req RegionRequest
	if err := fromStruct(in, &req); err != nil {
		return req, nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	r, err := s.region(req)
	if err != nil {
		return req, nil, toStatus(err)
	}
	return req, r, nil
}

// Estimate returns the number of fields and the estimated duration.
func (s *AcquisitionServer) Estimate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, r, err := s.decodeRegion(in)
	if err != nil {
		return nil, err
	}
	est := s.acq.EstimateAcquisitionTime(r, s.backend.Megafield.Detector.FrameDuration(), req.PreCalibrations)
	return toStruct(Estimate{Fields: len(r.Indices()), EstimateSec: est.Seconds()})
}

// Acquire queues a megafield run and returns its status.
func (s *AcquisitionServer) Acquire(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, r, err := s.decodeRegion(in)
	if err != nil {
		return nil, err
	}
	opts := s.backend.Options
	opts.PreCalibrations = req.PreCalibrations
	opts.SubPath = req.SubPath
	opts.SaveFullCells = opts.SaveFullCells || req.SaveFullCells

	run, err := s.acq.Acquire(context.WithoutCancel(ctx), r, s.backend.Megafield, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(run.Status())
}

func (s *AcquisitionServer) handle(in *structpb.Struct) (acquisition.Handle, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "missing id")
	}
	h, ok := s.acq.Get(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown acquisition %s", id)
	}
	return h, nil
}

// Status reports the run named by the "id" field.
func (s *AcquisitionServer) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	h, err := s.handle(in)
	if err != nil {
		return nil, err
	}
	return toStruct(h.Status())
}

// Cancel cancels the run named by the "id" field.
func (s *AcquisitionServer) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	h, err := s.handle(in)
	if err != nil {
		return nil, err
	}
	if !h.Cancel() {
		return nil, status.Error(codes.FailedPrecondition, "acquisition already finished")
	}
	return toStruct(h.Status())
}

// List returns the known runs under "runs" along with server statistics.
func (s *AcquisitionServer) List(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{
		"runs":       s.acq.List(),
		"uptime_sec": time.Since(s.started).Seconds(),
		"requests":   s.requests.Load(),
		"errors":     s.errors.Load(),
	})
}

type acquisitionService interface {
	Estimate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Acquire(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func structHandler(name string, call func(acquisitionService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(acquisitionService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(acquisitionService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(acquisitionService).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/List"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(acquisitionService).List(ctx, req.(*emptypb.Empty))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*acquisitionService)(nil),
	Methods: []grpc.MethodDesc{
		structHandler("Estimate", acquisitionService.Estimate),
		structHandler("Acquire", acquisitionService.Acquire),
		structHandler("Status", acquisitionService.Status),
		structHandler("Cancel", acquisitionService.Cancel),
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "megafield/v1/acquisition.proto",
}
