package dsi

import (
	"context"

	"google.golang.org/grpc"
)

// Client is the generated-stub-shaped counterpart to InstallerServer,
// wrapping a grpc.ClientConnInterface the way protoc-gen-go-grpc would.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection (typically *grpc.ClientConn
// dialed over the daemon's unix socket).
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) OpenInstall(ctx context.Context, req *OpenInstallRequest) (*StatusResponse, error) {
	return invoke[OpenInstallRequest, StatusResponse](ctx, c, "OpenInstall", req)
}

func (c *Client) CloseInstall(ctx context.Context, req *CloseInstallRequest) (*StatusResponse, error) {
	return invoke[CloseInstallRequest, StatusResponse](ctx, c, "CloseInstall", req)
}

func (c *Client) CreatePartition(ctx context.Context, req *CreatePartitionRequest) (*StatusResponse, error) {
	return invoke[CreatePartitionRequest, StatusResponse](ctx, c, "CreatePartition", req)
}

func (c *Client) CommitChunkFromMemory(ctx context.Context, req *CommitChunkFromMemoryRequest) (*BoolResponse, error) {
	return invoke[CommitChunkFromMemoryRequest, BoolResponse](ctx, c, "CommitChunkFromMemory", req)
}

func (c *Client) CommitChunkFromShared(ctx context.Context, req *CommitChunkFromSharedRequest) (*BoolResponse, error) {
	return invoke[CommitChunkFromSharedRequest, BoolResponse](ctx, c, "CommitChunkFromShared", req)
}

func (c *Client) SetSharedBuffer(ctx context.Context, req *SetSharedBufferRequest) (*BoolResponse, error) {
	return invoke[SetSharedBufferRequest, BoolResponse](ctx, c, "SetSharedBuffer", req)
}

func (c *Client) GetInstallProgress(ctx context.Context, req *GetInstallProgressRequest) (*ProgressResponse, error) {
	return invoke[GetInstallProgressRequest, ProgressResponse](ctx, c, "GetInstallProgress", req)
}

func (c *Client) Enable(ctx context.Context, req *EnableRequest) (*StatusResponse, error) {
	return invoke[EnableRequest, StatusResponse](ctx, c, "Enable", req)
}

func (c *Client) IsEnabled(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "IsEnabled", &Empty{})
}

func (c *Client) Disable(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "Disable", &Empty{})
}

func (c *Client) Remove(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "Remove", &Empty{})
}

func (c *Client) CancelInstall(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "CancelInstall", &Empty{})
}

func (c *Client) IsInstalled(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "IsInstalled", &Empty{})
}

func (c *Client) IsRunning(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "IsRunning", &Empty{})
}

func (c *Client) IsInProgress(ctx context.Context) (*BoolResponse, error) {
	return invoke[Empty, BoolResponse](ctx, c, "IsInProgress", &Empty{})
}

func (c *Client) GetInstalledImageDir(ctx context.Context) (*StringResponse, error) {
	return invoke[Empty, StringResponse](ctx, c, "GetInstalledImageDir", &Empty{})
}

func (c *Client) ZeroPartition(ctx context.Context, req *ZeroPartitionRequest) (*StatusResponse, error) {
	return invoke[ZeroPartitionRequest, StatusResponse](ctx, c, "ZeroPartition", req)
}

func (c *Client) OpenImageService(ctx context.Context, req *OpenImageServiceRequest) (*StringResponse, error) {
	return invoke[OpenImageServiceRequest, StringResponse](ctx, c, "OpenImageService", req)
}

func (c *Client) DumpDeviceMapperDevices(ctx context.Context) (*StringResponse, error) {
	return invoke[Empty, StringResponse](ctx, c, "DumpDeviceMapperDevices", &Empty{})
}

// CommitChunkStream opens the client-streaming RPC used to push a large
// installation image in bounded chunks.
func (c *Client) CommitChunkStream(ctx context.Context) (*CommitChunkStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "CommitChunkStream",
		ClientStreams: true,
	}, "/"+serviceName+"/CommitChunkStream")
	if err != nil {
		return nil, err
	}

	return &CommitChunkStreamClient{stream}, nil
}

// CommitChunkStreamClient is the client side of CommitChunkStream.
type CommitChunkStreamClient struct {
	grpc.ClientStream
}

// Send pushes one chunk.
func (x *CommitChunkStreamClient) Send(m *CommitChunkFromMemoryRequest) error {
	return x.SendMsg(m)
}

// CloseAndRecv signals end-of-stream and waits for the final result.
func (x *CommitChunkStreamClient) CloseAndRecv() (*BoolResponse, error) {
	if err := x.CloseSend(); err != nil {
		return nil, err
	}

	m := new(BoolResponse)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}

	return m, nil
}
