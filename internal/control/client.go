package control

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/buildd/internal/dispatcher"
)

// Client talks to a running daemon's control service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built from an existing connection
}

// Dial connects to addr (plaintext; the service listens on loopback).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control service %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Status(ctx context.Context) (dispatcher.Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return dispatcher.Status{}, err
	}
	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return dispatcher.Status{}, err
	}
	var st dispatcher.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return dispatcher.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *Client) Drain(ctx context.Context) error {
	return c.cc.Invoke(ctx, drainMethod, &emptypb.Empty{}, new(emptypb.Empty))
}

// Replay asks the daemon to flush its replay queue and returns how many
// outcomes were delivered.
func (c *Client) Replay(ctx context.Context) (int, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, replayMethod, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetFields()["delivered"].GetNumberValue()), nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
