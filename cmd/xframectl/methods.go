package main

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/xframe/internal/server"
	"github.com/danmuck/xframe/internal/token"
	"github.com/rs/zerolog/log"
)

// subscribeTicks is how many events a subscription delivers.
const subscribeTicks = 3

type demoCounter struct {
	mu sync.Mutex
	n  int
}

func (c *demoCounter) add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
	return c.n
}

// demoProxy is the method table a node serves. Settings may carry a
// "name" that whoami reports back.
func demoProxy(ctx context.Context, settings any) (server.Methods, error) {
	name := "anonymous"
	if m, ok := settings.(map[string]any); ok {
		if v, ok := m["name"].(string); ok && v != "" {
			name = v
		}
	}
	return server.Methods{
		"ping":   func() string { return "pong" },
		"echo":   func(v any) any { return v },
		"whoami": func() string { return name },
		"subscribe": func(topic string, cb token.Func) {
			go func() {
				for seq := 1; seq <= subscribeTicks; seq++ {
					ev := map[string]any{"topic": topic, "seq": seq, "at": time.Now().UTC().Format(time.RFC3339Nano)}
					if _, err := cb(context.Background(), ev); err != nil {
						log.Debug().Msgf("xframectl.subscribe callback failed topic=%s err=%v", topic, err)
						return
					}
				}
			}()
		},
		"counter": func(start float64) token.Token {
			c := &demoCounter{n: int(start)}
			return token.Wrap(map[string]any{
				"handle": c,
				"add":    func(delta float64) int { return c.add(int(delta)) },
				"value":  func() int { return c.add(0) },
			}, token.RefRule(token.P("handle")), token.CallbackRule(token.P("add"), token.P("value")))
		},
		"read": func(c *demoCounter) int { return c.add(0) },
	}, nil
}
