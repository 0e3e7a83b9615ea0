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

// Command compute-gateway runs the compute gateway: the multi-tenant
// front end that manages sandboxed compute workloads on a container
// platform and proxies preview traffic into them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		if trace.IsConnectionProblem(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("compute-gateway", "Multi-tenant compute orchestration gateway.")
	app.HelpFlag.Short('h')
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	serve := app.Command("serve", "Start the gateway.")
	listenAddr := serve.Flag("listen", "Address to bind the front end to.").
		Default(defaults.GatewayListenAddr).String()
	previewDomain := serve.Flag("preview-domain", "Wildcard domain preview hosts live under.").
		Envar("PREVIEW_DOMAIN").String()
	defaultPreset := serve.Flag("default-preset", "Preset substituted when a sandbox create request names none.").
		Envar("DEFAULT_PRESET_ID").Default(defaults.DefaultPresetID).String()
	enableTeardown := serve.Flag("enable-teardown", "Tear down computes idle past the teardown delay.").Bool()
	teardownDelay := serve.Flag("teardown-delay", "How long a compute stays up after its last connection closes.").
		Default(defaults.TeardownDelay.String()).Duration()
	issuer := serve.Flag("issuer", "Issuer stamped into bearer tokens.").
		Default("compute-gateway").String()
	jwtSecret := serve.Flag("jwt-secret", "Secret used to sign bearer tokens.").
		Envar("JWT_SECRET").String()
	dbDSN := serve.Flag("db-dsn", "Postgres DSN for the auth store. Empty runs an in-memory store.").
		Envar("DB_DSN").String()
	kubeconfig := serve.Flag("kubeconfig", "Path to a kubeconfig file. Empty tries in-cluster configuration.").
		Envar("CLUSTER_KUBECONFIG").String()
	namespace := serve.Flag("namespace", "Platform namespace for compute workloads.").
		Default(defaults.Namespace).String()

	version := app.Command("version", "Print the gateway version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.BadParameter("%s", err)
	}

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch command {
	case serve.FullCommand():
		return runServe(service.Config{
			ListenAddr:      *listenAddr,
			PreviewDomain:   *previewDomain,
			DefaultPresetID: *defaultPreset,
			EnableTeardown:  *enableTeardown,
			TeardownDelay:   teardownDelay,
			Issuer:          *issuer,
			JWTSecret:       []byte(*jwtSecret),
			DBDSN:           *dbDSN,
			Kubeconfig:      *kubeconfig,
			Namespace:       *namespace,
		})
	case version.FullCommand():
		fmt.Printf("compute-gateway v%s\n", gateway.Version)
		return nil
	}
	return trace.BadParameter("unknown command %q", command)
}

func runServe(cfg service.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(gw.Run(ctx))
}
