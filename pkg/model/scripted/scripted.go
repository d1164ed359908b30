// Package scripted provides a deterministic in-process model.Gateway.
//
// Replies are matched by a key extracted from the request (the step name
// placed in the system instruction by pipeline prompts, or any substring).
// Each key owns a queue of scripted outcomes; the last outcome repeats once
// the queue is drained. Used by tests, demos and the "scripted" provider.
package scripted

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/tempo/pkg/model"
)

// Reply is one scripted outcome.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Call records one Complete invocation.
type Call struct {
	ModelID string
	Key     string
	At      time.Time
}

// Gateway is a scripted model.Gateway.
type Gateway struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	order    []string
	fallback Reply
	calls    []Call
	onCall   func(Call)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithFallback sets the reply used when no script matches.
func WithFallback(r Reply) Option {
	return func(g *Gateway) {
		g.fallback = r
	}
}

// WithOnCall registers a hook invoked at the start of each call.
func WithOnCall(fn func(Call)) Option {
	return func(g *Gateway) {
		g.onCall = fn
	}
}

// New creates an empty scripted gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		scripts:  make(map[string][]Reply),
		fallback: Reply{Text: "{}"},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// On appends replies for requests matching key. Keys are tried in the order
// they were first registered.
func (g *Gateway) On(key string, replies ...Reply) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.scripts[key]; !ok {
		g.order = append(g.order, key)
	}
	g.scripts[key] = append(g.scripts[key], replies...)
	return g
}

// Complete returns the next scripted reply for the request.
func (g *Gateway) Complete(ctx context.Context, modelID string, req *model.Request) (*model.Response, error) {
	g.mu.Lock()
	key, reply := g.next(req)
	call := Call{ModelID: modelID, Key: key, At: time.Now()}
	g.calls = append(g.calls, call)
	hook := g.onCall
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	if reply.Delay > 0 {
		t := time.NewTimer(reply.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if reply.Err != nil {
		return nil, reply.Err
	}
	return &model.Response{Text: reply.Text, FinishReason: model.FinishReasonStop}, nil
}

// next pops the reply for the first matching key. Caller holds g.mu.
func (g *Gateway) next(req *model.Request) (string, Reply) {
	haystack := requestText(req)
	for _, key := range g.order {
		queue := g.scripts[key]
		if !strings.Contains(haystack, key) || len(queue) == 0 {
			continue
		}
		reply := queue[0]
		if len(queue) > 1 {
			g.scripts[key] = queue[1:]
		}
		return key, reply
	}
	return "", g.fallback
}

// Calls returns a copy of the recorded calls.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns how many calls matched key.
func (g *Gateway) CallCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Key == key {
			n++
		}
	}
	return n
}

// Close is a no-op.
func (g *Gateway) Close() error {
	return nil
}

func requestText(req *model.Request) string {
	if req == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(req.SystemInstruction)
	for _, p := range req.Parts {
		if p.Kind == model.PartText {
			b.WriteString("\n")
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

var _ model.Gateway = (*Gateway)(nil)
