package dsi

import (
	"context"

	"google.golang.org/grpc"

	_ "github.com/dsu-project/dsid/internal/pkg/rpc/codec" // registers the "proto" codec
)

// InstallerServer is the interface dsid implements and registers against
// a *grpc.Server. It mirrors gsid's binder interface one RPC at a time.
type InstallerServer interface {
	OpenInstall(context.Context, *OpenInstallRequest) (*StatusResponse, error)
	CloseInstall(context.Context, *CloseInstallRequest) (*StatusResponse, error)
	CreatePartition(context.Context, *CreatePartitionRequest) (*StatusResponse, error)
	CommitChunkFromMemory(context.Context, *CommitChunkFromMemoryRequest) (*BoolResponse, error)
	CommitChunkFromShared(context.Context, *CommitChunkFromSharedRequest) (*BoolResponse, error)
	SetSharedBuffer(context.Context, *SetSharedBufferRequest) (*BoolResponse, error)
	GetInstallProgress(context.Context, *GetInstallProgressRequest) (*ProgressResponse, error)
	Enable(context.Context, *EnableRequest) (*StatusResponse, error)
	IsEnabled(context.Context, *Empty) (*BoolResponse, error)
	Disable(context.Context, *Empty) (*BoolResponse, error)
	Remove(context.Context, *Empty) (*BoolResponse, error)
	CancelInstall(context.Context, *Empty) (*BoolResponse, error)
	IsInstalled(context.Context, *Empty) (*BoolResponse, error)
	IsRunning(context.Context, *Empty) (*BoolResponse, error)
	IsInProgress(context.Context, *Empty) (*BoolResponse, error)
	GetInstalledImageDir(context.Context, *Empty) (*StringResponse, error)
	ZeroPartition(context.Context, *ZeroPartitionRequest) (*StatusResponse, error)
	OpenImageService(context.Context, *OpenImageServiceRequest) (*StringResponse, error)
	DumpDeviceMapperDevices(context.Context, *Empty) (*StringResponse, error)

	// CommitChunkStream is the Go-idiomatic stand-in for the Android
	// RPC's commit_chunk_from_stream, which hands the daemon a raw file
	// descriptor over Binder. gRPC has no portable fd-passing primitive,
	// so the stream form is expressed as a client-streaming RPC of
	// CommitChunkFromMemoryRequest chunks, finished with a single
	// BoolResponse.
	CommitChunkStream(InstallerCommitChunkStreamServer) error
}

// InstallerCommitChunkStreamServer is the server-side handle for the
// CommitChunkStream client-streaming RPC.
type InstallerCommitChunkStreamServer interface {
	Recv() (*CommitChunkFromMemoryRequest, error)
	SendAndClose(*BoolResponse) error
	Context() context.Context
}

const serviceName = "dsi.Installer"

// ServiceDesc is the hand-built analog of a protoc-gen-go-grpc
// _ServiceDesc, registered the same way generated code would be:
// s.RegisterService(&dsi.ServiceDesc, impl).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*InstallerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenInstall", Handler: openInstallHandler},
		{MethodName: "CloseInstall", Handler: closeInstallHandler},
		{MethodName: "CreatePartition", Handler: createPartitionHandler},
		{MethodName: "CommitChunkFromMemory", Handler: commitChunkFromMemoryHandler},
		{MethodName: "CommitChunkFromShared", Handler: commitChunkFromSharedHandler},
		{MethodName: "SetSharedBuffer", Handler: setSharedBufferHandler},
		{MethodName: "GetInstallProgress", Handler: getInstallProgressHandler},
		{MethodName: "Enable", Handler: enableHandler},
		{MethodName: "IsEnabled", Handler: isEnabledHandler},
		{MethodName: "Disable", Handler: disableHandler},
		{MethodName: "Remove", Handler: removeHandler},
		{MethodName: "CancelInstall", Handler: cancelInstallHandler},
		{MethodName: "IsInstalled", Handler: isInstalledHandler},
		{MethodName: "IsRunning", Handler: isRunningHandler},
		{MethodName: "IsInProgress", Handler: isInProgressHandler},
		{MethodName: "GetInstalledImageDir", Handler: getInstalledImageDirHandler},
		{MethodName: "ZeroPartition", Handler: zeroPartitionHandler},
		{MethodName: "OpenImageService", Handler: openImageServiceHandler},
		{MethodName: "DumpDeviceMapperDevices", Handler: dumpDeviceMapperDevicesHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "CommitChunkStream",
			Handler:       commitChunkStreamHandler,
			ClientStreams: true,
		},
	},
	Metadata: "dsi/installer.proto",
}

func unaryHandler[Req any, Resp any](
	call func(InstallerServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(InstallerServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/"}

		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InstallerServer), ctx, req.(*Req))
		}

		return interceptor(ctx, in, info, handler)
	}
}

var (
	openInstallHandler             = unaryHandler(InstallerServer.OpenInstall)
	closeInstallHandler            = unaryHandler(InstallerServer.CloseInstall)
	createPartitionHandler         = unaryHandler(InstallerServer.CreatePartition)
	commitChunkFromMemoryHandler   = unaryHandler(InstallerServer.CommitChunkFromMemory)
	commitChunkFromSharedHandler   = unaryHandler(InstallerServer.CommitChunkFromShared)
	setSharedBufferHandler         = unaryHandler(InstallerServer.SetSharedBuffer)
	getInstallProgressHandler      = unaryHandler(InstallerServer.GetInstallProgress)
	enableHandler                  = unaryHandler(InstallerServer.Enable)
	isEnabledHandler                = unaryHandler(InstallerServer.IsEnabled)
	disableHandler                  = unaryHandler(InstallerServer.Disable)
	removeHandler                   = unaryHandler(InstallerServer.Remove)
	cancelInstallHandler            = unaryHandler(InstallerServer.CancelInstall)
	isInstalledHandler              = unaryHandler(InstallerServer.IsInstalled)
	isRunningHandler                = unaryHandler(InstallerServer.IsRunning)
	isInProgressHandler             = unaryHandler(InstallerServer.IsInProgress)
	getInstalledImageDirHandler     = unaryHandler(InstallerServer.GetInstalledImageDir)
	zeroPartitionHandler            = unaryHandler(InstallerServer.ZeroPartition)
	openImageServiceHandler         = unaryHandler(InstallerServer.OpenImageService)
	dumpDeviceMapperDevicesHandler  = unaryHandler(InstallerServer.DumpDeviceMapperDevices)
)

func commitChunkStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(InstallerServer).CommitChunkStream(&commitChunkStreamServer{stream})
}

type commitChunkStreamServer struct {
	grpc.ServerStream
}

func (s *commitChunkStreamServer) Recv() (*CommitChunkFromMemoryRequest, error) {
	m := new(CommitChunkFromMemoryRequest)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}

	return m, nil
}

func (s *commitChunkStreamServer) SendAndClose(m *BoolResponse) error {
	return s.SendMsg(m)
}
