package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"megafield/internal/acquisition"
)

// Client calls a remote AcquisitionServer.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

func (c *Client) callStruct(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.call(ctx, method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

// Estimate asks for the number of fields and the duration of req.
func (c *Client) Estimate(ctx context.Context, req RegionRequest) (Estimate, error) {
	var est Estimate
	err := c.callStruct(ctx, "Estimate", req, &est)
	return est, err
}

// Acquire queues a run.
func (c *Client) Acquire(ctx context.Context, req RegionRequest) (acquisition.Status, error) {
	var st acquisition.Status
	err := c.callStruct(ctx, "Acquire", req, &st)
	return st, err
}

// Status reports run id.
func (c *Client) Status(ctx context.Context, id string) (acquisition.Status, error) {
	var st acquisition.Status
	err := c.callStruct(ctx, "Status", map[string]string{"id": id}, &st)
	return st, err
}

// Cancel cancels run id.
func (c *Client) Cancel(ctx context.Context, id string) (acquisition.Status, error) {
	var st acquisition.Status
	err := c.callStruct(ctx, "Cancel", map[string]string{"id": id}, &st)
	return st, err
}

// List returns the runs known to the server.
func (c *Client) List(ctx context.Context) ([]acquisition.Status, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, "List", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Runs []acquisition.Status `json:"runs"`
	}
	err := fromStruct(out, &resp)
	return resp.Runs, err
}
