package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/xframe/internal/auth"
	"github.com/danmuck/xframe/internal/config"
	"github.com/danmuck/xframe/internal/observability"
	"github.com/danmuck/xframe/internal/pool"
	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/danmuck/xframe/internal/protocol/frame"
	"github.com/danmuck/xframe/internal/server"
	"github.com/danmuck/xframe/internal/window"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const wsPath = "/xframe"

// node serves one xframe server per accepted connection.
type node struct {
	cfg      config.Config
	name     string
	appeared time.Time
	obs      channel.Observer
	upgrader func(w http.ResponseWriter, r *http.Request) (*channel.WebSocketPort, error)

	mu    sync.Mutex
	conns int
}

func newNode(cfg config.Config) *node {
	name := cfg.ListenAddr
	up := channel.NewUpgrader()
	return &node{
		cfg:      cfg,
		name:     name,
		appeared: time.Now(),
		obs:      observability.RPC{Node: name},
		upgrader: func(w http.ResponseWriter, r *http.Request) (*channel.WebSocketPort, error) {
			return channel.AcceptWebSocket(w, r, up)
		},
	}
}

func (n *node) router() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Logger(n.name, "http")))
	r.Use(observability.RequestMetricsMiddleware(n.name))
	r.Use(observability.CORS(n.cfg.AllowedOrigins))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(n.appeared).String(),
			"service":     "xframectl",
			"channel":     channel.Name,
			"connections": n.connections(),
		})
	})
	if n.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	var ws []gin.HandlerFunc
	if n.cfg.AuthToken != "" {
		ws = append(ws, auth.Require(auth.StaticToken{Token: n.cfg.AuthToken}))
	}
	ws = append(ws, n.handleWebSocket)
	r.GET(wsPath, ws...)
	return r
}

func (n *node) handleWebSocket(c *gin.Context) {
	port, err := n.upgrader(c.Writer, c.Request)
	if err != nil {
		log.Warn().Msgf("xframectl.ws upgrade failed remote=%s err=%v", c.ClientIP(), err)
		return
	}
	n.serveConn(c.Request.Context(), port, c.Request.Header.Get("Origin"))
}

func (n *node) connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns
}

// serveConn runs a server for one peer and returns once the channel is gone.
func (n *node) serveConn(ctx context.Context, port channel.Port, peerOrigin string) {
	frameWin := window.AttachParent(n.cfg.Origin, peerOrigin, port)
	defer frameWin.Close()

	srv, err := server.Serve(ctx, server.Options{
		Self:           frameWin,
		AllowedOrigins: n.cfg.AllowedOrigins,
		Channel:        n.cfg.Channel(),
		Proxy:          demoProxy,
		Observer:       n.obs,
	})
	if err != nil {
		log.Warn().Msgf("xframectl.serve handshake failed peer=%s err=%v", peerOrigin, err)
		return
	}
	n.mu.Lock()
	n.conns++
	n.mu.Unlock()

	var (
		gaugeMu sync.Mutex
		counted int
	)
	recount := func() {
		gaugeMu.Lock()
		defer gaugeMu.Unlock()
		now := len(srv.ClientIDs())
		observability.AddClients(n.name, now-counted)
		counted = now
	}
	stop := srv.AddClientListener(func(pool.Event, pool.Record) { recount() })
	recount()
	log.Info().Msgf("xframectl.serve connected peer=%s clients=%d", peerOrigin, counted)

	<-srv.Done()
	stop()
	recount()
	n.mu.Lock()
	n.conns--
	n.mu.Unlock()
	log.Info().Msgf("xframectl.serve disconnected peer=%s", peerOrigin)
}

// acceptTCP serves framed stream connections until ctx ends or ln fails.
func (n *node) acceptTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			port := channel.NewStreamPort(conn, n.cfg.Origin, frame.Limits{})
			peeked, origin, err := peekOrigin(ctx, port)
			if err != nil {
				log.Debug().Msgf("xframectl.tcp no greeting remote=%s err=%v", conn.RemoteAddr(), err)
				_ = port.Close()
				return
			}
			n.serveConn(ctx, peeked, origin)
		}()
	}
}

// replayPort hands back one already received message before reading on.
type replayPort struct {
	channel.Port
	mu    sync.Mutex
	first *channel.Message
}

func (p *replayPort) Receive(ctx context.Context) (channel.Message, error) {
	p.mu.Lock()
	if p.first != nil {
		msg := *p.first
		p.first = nil
		p.mu.Unlock()
		return msg, nil
	}
	p.mu.Unlock()
	return p.Port.Receive(ctx)
}

// peekOrigin learns the origin a stream peer stamps from its first message.
// The dialing side always speaks first with its syn.
func peekOrigin(ctx context.Context, port channel.Port) (channel.Port, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg, err := port.Receive(ctx)
	if err != nil {
		return nil, "", err
	}
	return &replayPort{Port: port, first: &msg}, msg.Origin, nil
}
