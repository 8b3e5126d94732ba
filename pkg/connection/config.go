package connection

import (
	"fmt"
	"net/url"
	"time"

	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/models"
)

// Codec frames RPC messages.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dst any) error
}

// Config configures a Connection.
type Config struct {
	// URL is the websocket RPC endpoint, e.g. ws://localhost:8000/rpc.
	URL url.URL
	// Timeout bounds each request. Zero leaves it to the caller's context.
	Timeout time.Duration
	Codec   Codec
	Logger  logger.Logger
}

// NewConfig creates a Config for endpoint. http and https endpoints are
// rewritten to ws and wss, and a missing path defaults to /rpc.
func NewConfig(endpoint string) (*Config, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/rpc"
	}
	return &Config{
		URL:     *u,
		Timeout: DefaultTimeout,
		Codec:   models.CborCodec{},
		Logger:  logger.Nop(),
	}, nil
}
