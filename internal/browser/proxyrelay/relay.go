// Package proxyrelay runs a loopback forward proxy that injects upstream
// proxy credentials. Chrome's --proxy-server switch cannot carry a username
// and password, so sessions whose profile names an authenticated proxy point
// Chrome at a relay instead.
package proxyrelay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
)

// Relay forwards plain HTTP requests and CONNECT tunnels to one upstream
// proxy, adding its Proxy-Authorization header.
type Relay struct {
	upstream *url.URL
	proxy    *goproxy.ProxyHttpServer
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Start listens on an ephemeral loopback port and serves until Close.
func Start(upstream string, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(upstream)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream proxy %q", upstream)
	}
	log := logger.Named("proxy_relay").With(zap.String("upstream", u.Host))

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.Logger = zap.NewStdLog(log)

	// http.Transport sends the userinfo of the proxy URL as
	// Proxy-Authorization for plain HTTP requests.
	proxy.Tr = &http.Transport{
		Proxy:                 http.ProxyURL(u),
		MaxIdleConns:          20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// CONNECT tunnels are dialed by goproxy itself.
	auth := authorization(u)
	proxy.ConnectDial = proxy.NewConnectDialToProxyWithHandler(upstreamAddr(u), func(req *http.Request) {
		if auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
	})

	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp != nil || ctx.Req == nil {
			return resp
		}
		msg := "unknown error"
		if ctx.Error != nil {
			msg = ctx.Error.Error()
		}
		log.Warn("Upstream proxy request failed", zap.String("url", ctx.Req.URL.String()), zap.String("error", msg))
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "upstream proxy failed: "+msg)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for proxy relay: %w", err)
	}

	r := &Relay{
		upstream: u,
		proxy:    proxy,
		listener: ln,
		server:   &http.Server{Handler: proxy, ReadHeaderTimeout: 10 * time.Second},
		logger:   log,
		done:     make(chan struct{}),
	}
	go r.serve()

	log.Debug("Proxy relay listening", zap.String("addr", ln.Addr().String()))
	return r, nil
}

func (r *Relay) serve() {
	defer close(r.done)
	if err := r.server.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Error("Proxy relay stopped unexpectedly", zap.Error(err))
	}
}

// Addr is the proxy-server value Chrome should use.
func (r *Relay) Addr() string {
	return "http://" + r.listener.Addr().String()
}

// Close stops the listener, drops open tunnels and waits for the serve loop.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if shutdownErr := r.server.Shutdown(ctx); shutdownErr != nil {
			err = r.server.Close()
		}
		<-r.done
		r.proxy.Tr.CloseIdleConnections()
	})
	return err
}

func upstreamAddr(u *url.URL) string {
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
}

func authorization(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	password, _ := u.User.Password()
	creds := u.User.Username() + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
