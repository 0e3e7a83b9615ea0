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

// Package service assembles the gateway process: storage, the auth
// core, the cluster platform, managers, proxies and the HTTP front
// end, with lifecycle management around them.
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/authsvc/store"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/platform"
	"github.com/computehq/compute-gateway/lib/presets"
	"github.com/computehq/compute-gateway/lib/proxy"
	"github.com/computehq/compute-gateway/lib/web"
)

// Config is the gateway process configuration.
type Config struct {
	// ListenAddr is the address the front end binds to.
	ListenAddr string
	// PreviewDomain is the wildcard preview domain, empty disables
	// host-based identities.
	PreviewDomain string
	// DefaultPresetID is substituted on compute creation without a
	// preset.
	DefaultPresetID string
	// EnableTeardown turns idle compute teardown on.
	EnableTeardown bool
	// TeardownDelay overrides the idle teardown delay. Nil means the
	// default, an explicit zero tears down as soon as the last
	// connection closes.
	TeardownDelay *time.Duration
	// Issuer is the bearer token issuer.
	Issuer string
	// JWTSecret signs bearer tokens.
	JWTSecret []byte
	// DBDSN is the Postgres DSN. Empty selects the in-memory store,
	// for development only.
	DBDSN string
	// Kubeconfig is the path to a kubeconfig file, empty tries
	// in-cluster config first.
	Kubeconfig string
	// Namespace is the platform namespace for compute workloads.
	Namespace string
	// Presets overrides the built-in default preset set.
	Presets []presets.Preset
	// Clientset overrides the platform clientset, used by tests with a
	// fake cluster.
	Clientset kubernetes.Interface
	// Clock drives all timers, tests inject a fake one.
	Clock clockwork.Clock
	// Log is the root logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.JWTSecret) == 0 {
		return trace.BadParameter("missing JWT secret")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.GatewayListenAddr
	}
	if c.DefaultPresetID == "" {
		c.DefaultPresetID = defaults.DefaultPresetID
	}
	if c.TeardownDelay == nil {
		delay := defaults.TeardownDelay
		c.TeardownDelay = &delay
	}
	if *c.TeardownDelay < 0 {
		return trace.BadParameter("teardown delay must not be negative, got %v", *c.TeardownDelay)
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing token issuer")
	}
	if c.Namespace == "" {
		c.Namespace = defaults.Namespace
	}
	if len(c.Presets) == 0 {
		c.Presets = presets.BuiltinDefaults()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentGateway,
		})
	}
	return nil
}

// Gateway is the assembled process.
type Gateway struct {
	cfg Config
	log *logrus.Entry

	auth     *authsvc.Service
	presets  *presets.Manager
	computes *computes.Manager
	teardown *proxy.Teardown
	handler  *web.Handler
	pg       *store.Postgres
}

// New wires the gateway from configuration. Cluster connectivity
// failures are reported as ConnectionProblem so the CLI can exit with
// a distinct code.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Gateway{cfg: cfg, log: cfg.Log}

	var authStore authsvc.Store
	if cfg.DBDSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, trace.Wrap(err)
		}
		g.pg = pg
		authStore = pg
	} else {
		g.log.Warn("No database configured, using in-memory auth store.")
		authStore = store.NewMemory()
	}

	tokens, err := authsvc.NewTokenService(authsvc.TokenServiceConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.Issuer,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	g.auth, err = authsvc.NewService(authsvc.ServiceConfig{
		Store:  authStore,
		Tokens: tokens,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var cluster *platform.Client
	if cfg.Clientset != nil {
		cluster = platform.NewClientFromClientset(cfg.Clientset, cfg.Namespace)
	} else {
		cluster, err = platform.NewClient(cfg.Kubeconfig, cfg.Namespace)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	g.presets, err = presets.NewManager(presets.ManagerConfig{
		Platform: cluster,
		Defaults: cfg.Presets,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bootstrapCtx, cancel := context.WithTimeout(ctx, defaults.PresetBootstrapTimeout)
	defer cancel()
	if err := g.presets.InitializeDefaults(bootstrapCtx); err != nil {
		return nil, trace.Wrap(err, "bootstrapping default presets")
	}

	g.computes, err = computes.NewManager(computes.ManagerConfig{
		Platform:        cluster,
		Presets:         g.presets,
		DefaultPresetID: cfg.DefaultPresetID,
		Clock:           cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	tracker := proxy.NewTracker()
	if cfg.EnableTeardown {
		g.teardown, err = proxy.NewTeardown(proxy.TeardownConfig{
			Computes: g.computes,
			Tracker:  tracker,
			Delay:    *cfg.TeardownDelay,
			Clock:    cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	httpProxy, err := proxy.NewHTTPProxy(proxy.HTTPProxyConfig{Computes: g.computes})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	wsProxy, err := proxy.NewWSProxy(proxy.WSProxyConfig{
		Computes: g.computes,
		Tracker:  tracker,
		Teardown: g.teardown,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	g.handler, err = web.NewHandler(web.Config{
		Auth:          g.auth,
		Computes:      g.computes,
		Presets:       g.presets,
		HTTPProxy:     httpProxy,
		WSProxy:       wsProxy,
		Teardown:      g.teardown,
		PreviewDomain: cfg.PreviewDomain,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return g, nil
}

// Handler exposes the front end, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    g.cfg.ListenAddr,
		Handler: g.handler,
	}
	errc := make(chan error, 1)
	go func() {
		g.log.WithField("addr", g.cfg.ListenAddr).Info("Gateway listening.")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	g.log.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.HTTPReadTimeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	if g.teardown != nil {
		g.teardown.Close()
	}
	if g.pg != nil {
		g.pg.Close()
	}
	return trace.Wrap(err)
}
