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
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/ident"
)

// WSProxyConfig configures the websocket proxy.
type WSProxyConfig struct {
	// Computes resolves compute identities to pod addresses.
	Computes *computes.Manager
	// Tracker records live connections per compute.
	Tracker *Tracker
	// Teardown is notified of connection lifecycle, nil disables idle
	// teardown.
	Teardown *Teardown
	// Dialer dials the upstream daemon. Tests swap in a local dialer.
	Dialer *websocket.Dialer
	// Clock drives ping timers.
	Clock clockwork.Clock
	// Log is the logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *WSProxyConfig) CheckAndSetDefaults() error {
	if c.Computes == nil {
		return trace.BadParameter("missing parameter Computes")
	}
	if c.Tracker == nil {
		return trace.BadParameter("missing parameter Tracker")
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			HandshakeTimeout: defaults.HTTPDialTimeout,
			ReadBufferSize:   defaults.WSBufferSize,
			WriteBufferSize:  defaults.WSBufferSize,
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentWSProxy,
		})
	}
	return nil
}

// WSProxy upgrades client connections and splices them to the daemon
// websocket inside the target compute. Message boundaries and types
// are preserved in both directions.
type WSProxy struct {
	cfg      WSProxyConfig
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewWSProxy creates a websocket proxy.
func NewWSProxy(cfg WSProxyConfig) (*WSProxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &WSProxy{
		cfg: cfg,
		log: cfg.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaults.WSBufferSize,
			WriteBufferSize: defaults.WSBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// CloseConnections force-closes every live connection to a compute,
// used when the compute is deleted explicitly.
func (p *WSProxy) CloseConnections(computeID string) {
	p.cfg.Tracker.CloseAll(computeID)
}

// Serve proxies a websocket request to the compute named by the
// identity. Resolution failures are reported before the upgrade so the
// client sees a plain HTTP error.
func (p *WSProxy) Serve(w http.ResponseWriter, r *http.Request, id ident.Identity) {
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
		http.Error(w, "failed to reach compute", http.StatusBadGateway)
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
	upstreamURL := "ws://" + net.JoinHostPort(pod.IP, strconv.Itoa(port)) + r.URL.RequestURI()
	upstream, resp, err := p.cfg.Dialer.Dial(upstreamURL, nil)
	if err != nil {
		p.log.WithError(err).WithField("compute", id.ComputeID).Warn("Upstream websocket dial failed.")
		if resp != nil {
			// The daemon answered with a non-upgrade status, pass it
			// through.
			copyResponse(w, resp)
			return
		}
		http.Error(w, "failed to reach compute", http.StatusBadGateway)
		return
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		upstream.Close()
		return
	}

	p.splice(id.ComputeID, client, upstream)
}

// splice runs both copy directions until either side goes away, then
// closes both and reports the connection to the teardown controller.
func (p *WSProxy) splice(computeID string, client, upstream *websocket.Conn) {
	log := p.log.WithField("compute", computeID)
	count := p.cfg.Tracker.Add(computeID, client)
	if p.cfg.Teardown != nil {
		p.cfg.Teardown.ConnectionOpened(computeID)
	}
	log.WithField("connections", count).Debug("Websocket connection opened.")

	defer func() {
		client.Close()
		upstream.Close()
		remaining := p.cfg.Tracker.Remove(computeID, client)
		if p.cfg.Teardown != nil {
			p.cfg.Teardown.ConnectionClosed(computeID)
		}
		log.WithField("connections", remaining).Debug("Websocket connection closed.")
	}()

	clientWriter := newSafeWriter(client)
	upstreamWriter := newSafeWriter(upstream)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go p.pingLoop(clientWriter, stopPing)

	client.SetReadDeadline(p.cfg.Clock.Now().Add(defaults.WSPongTimeout))
	client.SetPongHandler(func(string) error {
		client.SetReadDeadline(p.cfg.Clock.Now().Add(defaults.WSPongTimeout))
		return nil
	})

	errc := make(chan error, 2)
	go func() { errc <- forward(client, upstreamWriter) }()
	go func() { errc <- forward(upstream, clientWriter) }()

	err := <-errc
	if err != nil && err != io.EOF {
		log.WithError(err).Debug("Websocket splice ended.")
	}
}

// pingLoop keeps the client connection alive while upstream is quiet.
func (p *WSProxy) pingLoop(w *safeWriter, stop <-chan struct{}) {
	ticker := p.cfg.Clock.NewTicker(defaults.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			deadline := p.cfg.Clock.Now().Add(defaults.WSWriteTimeout)
			if err := w.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// forward copies messages from src to dst preserving the message type.
// Normal closes surface as io.EOF.
func forward(src *websocket.Conn, dst *safeWriter) error {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			return normalizeClose(err)
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return normalizeClose(err)
		}
	}
}

func normalizeClose(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return io.EOF
	}
	return err
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// safeWriter serializes writes to a websocket connection. Gorilla
// connections allow only one concurrent writer, and the splice has two
// (the forwarder and the ping loop).
type safeWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSafeWriter(conn *websocket.Conn) *safeWriter {
	return &safeWriter{conn: conn}
}

func (w *safeWriter) WriteMessage(msgType int, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(defaults.WSWriteTimeout))
	return w.conn.WriteMessage(msgType, payload)
}

func (w *safeWriter) WriteControl(msgType int, payload []byte, deadline time.Time) error {
	return w.conn.WriteControl(msgType, payload, deadline)
}
