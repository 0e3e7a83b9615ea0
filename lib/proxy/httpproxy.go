/*
Copyright 2024 ComputeHQ, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/ident"
)

// HTTPProxyConfig configures the HTTP reverse proxy.
type HTTPProxyConfig struct {
	// Computes resolves compute identities to pod addresses.
	Computes *computes.Manager
	// Log is the logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *HTTPProxyConfig) CheckAndSetDefaults() error {
	if c.Computes == nil {
		return trace.BadParameter("missing parameter Computes")
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentHTTPProxy,
		})
	}
	return nil
}

// HTTPProxy forwards plain HTTP requests to the pod behind a compute
// identity. Every request resolves the pod afresh, the proxy holds no
// routing state of its own.
type HTTPProxy struct {
	cfg     HTTPProxyConfig
	log     *logrus.Entry
	proxy   *httputil.ReverseProxy
	bufPool *bufferPool
}

// NewHTTPProxy creates an HTTP reverse proxy.
func NewHTTPProxy(cfg HTTPProxyConfig) (*HTTPProxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &HTTPProxy{
		cfg:     cfg,
		log:     cfg.Log,
		bufPool: newBufferPool(defaults.ProxyBufferSize),
	}
	p.proxy = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			// The target is attached to the request context by Serve.
			target := r.Context().Value(targetContextKey{}).(*url.URL)
			r.URL.Scheme = target.Scheme
			r.URL.Host = target.Host
			r.Header.Set("X-Forwarded-Host", r.Host)
			r.Header.Set("X-Forwarded-Proto", forwardedProto(r))
			r.Host = target.Host
		},
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: defaults.HTTPDialTimeout,
			}).DialContext,
			ResponseHeaderTimeout: defaults.HTTPReadTimeout,
		},
		BufferPool: p.bufPool,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.WithError(err).WithField("url", r.URL.String()).Warn("Upstream request failed.")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintf(w, "Proxy error: %v", err)
		},
	}
	return p, nil
}

type targetContextKey struct{}

// Serve forwards the request to the compute named by the identity. The
// identity port wins over the daemon default.
func (p *HTTPProxy) Serve(w http.ResponseWriter, r *http.Request, id ident.Identity) {
	if id.ComputeID == "" {
		http.Error(w, "missing compute identity", http.StatusBadRequest)
		return
	}
	pod, err := p.cfg.Computes.GetPod(r.Context(), id.ComputeID)
	if err != nil {
		if trace.IsNotFound(err) {
			http.Error(w, "Pod not found", http.StatusNotFound)
			return
		}
		p.log.WithError(err).Warn("Failed to resolve compute.")
		http.Error(w, "failed to resolve compute", http.StatusBadGateway)
		return
	}
	if !pod.IsReady || pod.IP == "" {
		http.Error(w, "Pod not ready", http.StatusServiceUnavailable)
		return
	}
	port := id.Port
	if port == 0 {
		port = defaults.DaemonPort
	}
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(pod.IP, strconv.Itoa(port)),
	}
	r.Header.Set("X-Compute-ID", id.ComputeID)
	ctx := contextWithTarget(r.Context(), target)
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func contextWithTarget(ctx context.Context, target *url.URL) context.Context {
	return context.WithValue(ctx, targetContextKey{}, target)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// bufferPool recycles copy buffers between proxied responses.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() any { return make([]byte, size) },
		},
	}
}

func (p *bufferPool) Get() []byte  { return p.pool.Get().([]byte) }
func (p *bufferPool) Put(b []byte) { p.pool.Put(b) }
