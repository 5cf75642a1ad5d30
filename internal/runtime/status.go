package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	transportpkg "github.com/drblury/rpcflow/transport"
)

const defaultWebUIPort = 8081

// ChannelStatus describes one live channel for the status API.
type ChannelStatus struct {
	Kind          string   `json:"kind"`
	ListenTopic   string   `json:"listen_topic"`
	Destination   string   `json:"destination,omitempty"`
	DispatchTypes []string `json:"dispatch_types,omitempty"`
	Pending       int      `json:"pending,omitempty"`
}

func (c *RequestChannel) status() ChannelStatus {
	return ChannelStatus{
		Kind:        "request",
		ListenTopic: c.listenTopic,
		Destination: c.destinationTopic,
		Pending:     c.Pending(),
	}
}

func (c *ServiceChannel) status() ChannelStatus {
	return ChannelStatus{Kind: "service", ListenTopic: c.listenTopic, DispatchTypes: c.DispatchTypes()}
}

func (c *NotifyChannel) status() ChannelStatus {
	return ChannelStatus{Kind: "notify", ListenTopic: c.listenTopic, DispatchTypes: c.DispatchTypes()}
}

// Channels returns the status of every open channel.
func (f *ChannelFactory) Channels() []ChannelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChannelStatus, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch.status())
	}
	return out
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Serve.
func (f *ChannelFactory) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	f.httpServersMu.Lock()
	defer f.httpServersMu.Unlock()

	if f.httpServers == nil {
		f.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := f.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		f.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

// Serve exposes /metrics when MetricsEnabled and MetricsPort are set, and
// /api/channels when WebUIEnabled is set, together with any handler added by
// RegisterHTTPHandler. It blocks until ctx ends, then shuts the servers down.
func (f *ChannelFactory) Serve(ctx context.Context) error {
	conf := f.deps.conf
	if conf.MetricsEnabled && conf.MetricsPort > 0 {
		f.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.HandlerFor(f.gatherer, promhttp.HandlerOpts{}))
	}
	if conf.WebUIEnabled {
		port := conf.WebUIPort
		if port == 0 {
			port = defaultWebUIPort
		}
		f.RegisterHTTPHandler(port, "/api/channels", http.HandlerFunc(f.handleGetChannels))
	}

	f.httpServersMu.Lock()
	servers := make([]*http.Server, 0, len(f.httpServers))
	for port, mux := range f.httpServers {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	f.httpServersMu.Unlock()

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		f.deps.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				f.deps.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
				errCh <- err
			}
		}(srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return serveErr
}

func (f *ChannelFactory) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if origins := f.deps.conf.WebUICORSAllowedOrigins; len(origins) > 0 {
		if allowed := allowedCORSOrigin(origins, r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payload := struct {
		SessionID string                    `json:"session_id"`
		Transport transportpkg.Capabilities `json:"transport"`
		Channels  []ChannelStatus           `json:"channels"`
	}{SessionID: f.deps.sessionID, Transport: f.capabilities, Channels: f.Channels()}

	if err := sonic.ConfigStd.NewEncoder(w).Encode(payload); err != nil {
		f.deps.logger.Error("Failed to encode channel status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func allowedCORSOrigin(allowedOrigins []string, requestOrigin string) string {
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
