package model

import (
	"context"
	"time"
)

type timeoutGateway struct {
	Gateway
	timeout time.Duration
}

// WithTimeout bounds every Complete call on g by d. A non-positive d
// returns g unchanged. An expired call classifies as KindNetwork.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return g
	}
	return &timeoutGateway{Gateway: g, timeout: d}
}

func (g *timeoutGateway) Complete(ctx context.Context, modelID string, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.Gateway.Complete(ctx, modelID, req)
}
