package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/xframe/internal/client"
	"github.com/danmuck/xframe/internal/config"
	"github.com/danmuck/xframe/internal/observability"
	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/window"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	callName     string
	callCallback bool
	callWait     time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <method> [json-arg...]",
	Short: "Invoke a method on a running node",
	Long: `Invoke a method on the node at remote_addr. Each argument is parsed as
JSON and falls back to a plain string. With --callback a function is
appended to the arguments; events it receives are printed until --wait
elapses.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := &printer{w: cmd.OutOrStdout()}
		params := parseArgs(args[1:])
		var onEvent func(any)
		if callCallback {
			onEvent = out.print
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HandshakeTimeout+callWait+10*time.Second)
		defer cancel()

		res, err := callRemote(ctx, cfg, callName, args[0], params, onEvent, callWait)
		if err != nil {
			return err
		}
		out.print(res)
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callName, "name", "", "client name sent as settings")
	callCmd.Flags().BoolVar(&callCallback, "callback", false, "append a callback argument that prints events")
	callCmd.Flags().DurationVar(&callWait, "wait", time.Second, "how long to keep listening for callback events")
	rootCmd.AddCommand(callCmd)
}

// callRemote connects to cfg.RemoteAddr, invokes method once, and keeps the
// connection open for wait when onEvent is set. onEvent runs on the
// connection's dispatch goroutine.
func callRemote(ctx context.Context, cfg config.Config, name, method string, args []any, onEvent func(any), wait time.Duration) (res any, err error) {
	port, remoteOrigin, err := dialRemote(ctx, cfg)
	if err != nil {
		return nil, err
	}
	self := window.New(cfg.Origin)
	defer self.Close()
	remote := window.Bridge(self, remoteOrigin, port)

	opts := client.Options[struct{}]{
		Self:     self,
		Remote:   remote,
		Channel:  cfg.Channel(),
		Registry: client.NewRegistry(),
		Observer: observability.RPC{Node: cfg.Origin},
	}
	if name != "" {
		opts.Settings = map[string]any{"name": name}
	}
	c, err := client.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := c.Close(context.Background()); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
	}()

	if onEvent != nil {
		args = append(args, func(ev any) { onEvent(ev) })
	}
	res, err = c.Invoke(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if onEvent != nil && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
	return res, nil
}

func dialRemote(ctx context.Context, cfg config.Config) (channel.Port, string, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		port, err := channel.DialStream(ctx, cfg.RemoteAddr, cfg.Origin)
		if err != nil {
			return nil, "", err
		}
		// a stream has no URL origin; name the peer by its address
		return port, "tcp://" + cfg.RemoteAddr, nil
	default:
		origin, err := channel.OriginOfURL(cfg.RemoteAddr)
		if err != nil {
			return nil, "", err
		}
		port, err := channel.DialWebSocket(ctx, cfg.RemoteAddr, cfg.Origin)
		if err != nil {
			return nil, "", err
		}
		return port, origin, nil
	}
}

func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out = append(out, v)
	}
	return out
}

// printer serializes output from the command goroutine and callback
// deliveries.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) print(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	printJSON(p.w, v)
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, strings.TrimSpace(string(data)))
}
