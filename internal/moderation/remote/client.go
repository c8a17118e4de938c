// Package remote screens text with a self-hosted moderation service over gRPC.
// Messages are JSON encoded so the service needs no generated stubs.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/af-corp/aegis-assistant/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "moderation.v1.ModerationService"
	checkMethod = "/" + ServiceName + "/Check"
	codecName   = "json"
)

type CheckRequest struct {
	Text string `json:"text"`
}

type CheckResponse struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Client is a moderation Checker backed by a gRPC connection.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial creates a client for address. Extra options are applied after the
// defaults, so callers may override credentials or add a dialer.
func Dial(address string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("moderation service dial: %w", err)
	}
	slog.Info("moderation service connected", "address", address)
	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Name() string { return "remote" }

// Check calls the service once. Any RPC error, including deadline exceeded,
// is reported as the moderation stage being unavailable.
func (c *Client) Check(ctx context.Context, text string) (types.ModerationVerdict, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var resp CheckResponse
	if err := c.conn.Invoke(ctx, checkMethod, &CheckRequest{Text: text}, &resp); err != nil {
		st, _ := status.FromError(err)
		return types.ModerationVerdict{}, &types.UpstreamUnavailableError{
			Stage:   types.StageModeration,
			Payload: st.Message(),
			Err:     fmt.Errorf("remote moderation: %w", err),
		}
	}
	return types.ModerationVerdict{Flagged: resp.Flagged, Categories: resp.Categories}, nil
}
