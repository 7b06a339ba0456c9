// Copyright © 2018 Enrico Stahn <enrico.stahn@gmail.com>
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lighttgo/lighttgo/internal/config"
	"github.com/lighttgo/lighttgo/internal/connstate"
	"github.com/lighttgo/lighttgo/internal/fastcgi"
	"github.com/lighttgo/lighttgo/internal/metrics"
	"github.com/lighttgo/lighttgo/internal/plugin"
	"github.com/lighttgo/lighttgo/plugin/evhost"
	"github.com/lighttgo/lighttgo/plugin/securedownload"
	"github.com/lighttgo/lighttgo/server"
)

// Configuration variables
var (
	listeningAddress string
	metricsEndpoint  string
	socketDir        string
	hashidsSalt      string
)

// serverCmd runs the origin server: it accepts connections on
// tree.server.listen (spec §4, §5) while a small net/http sidecar exposes
// Prometheus metrics and a status page, mirroring the teacher's combined
// "serve the thing being measured, and measure it" shape even though the
// thing being served is no longer PHP-FPM itself.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP/FastCGI origin server",
	Long: `server starts lighttgod: it listens on the configured address, serving
static files directly and proxying configured extensions to FastCGI backends,
while exposing Prometheus metrics on a separate management address.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	RootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&listeningAddress, "web.listen-address", ":9253", "Address on which to expose metrics and the status page.")
	serverCmd.Flags().StringVar(&metricsEndpoint, "web.telemetry-path", "/metrics", "Path under which to expose metrics.")
	serverCmd.Flags().StringVar(&socketDir, "fastcgi.socket-dir", os.TempDir(), "Directory to create per-worker FastCGI unix sockets in.")
	serverCmd.Flags().StringVar(&hashidsSalt, "securedownload.salt", "", "Salt for plugin/securedownload's obfuscated timestamps; empty disables the plugin.")

	envs := map[string]string{
		"LIGHTTGO_WEB_LISTEN_ADDRESS":  "web.listen-address",
		"LIGHTTGO_WEB_TELEMETRY_PATH":  "web.telemetry-path",
		"LIGHTTGO_FASTCGI_SOCKET_DIR":  "fastcgi.socket-dir",
		"LIGHTTGO_SECUREDOWNLOAD_SALT": "securedownload.salt",
	}
	mapEnvVars(envs, serverCmd)
}

// buildPool translates the decoded tree's FastCGI extension table (spec
// §4.3 "Extension configuration") into a live fastcgi.Pool: a bin_path
// host gets AddrForSlot wired to the per-slot unix socket the control
// plane's ListenSockFunc will create, a sockets-only host has its fixed
// remote addresses registered directly.
func buildPool(tree *config.Tree) *fastcgi.Pool {
	pool := fastcgi.NewPool()
	for ext, hc := range tree.FastCGI {
		host := fastcgi.NewHost(ext, fastcgi.RoleResponder)
		host.MinProcs = hc.MinProcs
		host.MaxProcs = hc.MaxProcs
		host.MaxLoadPerProc = hc.MaxLoadPerProc
		host.MaxRequestsPerProc = hc.MaxRequestsPerProc
		host.IdleTimeout = hc.IdleTimeout
		host.AllowXSendfile = hc.AllowXSendfile
		for k, v := range hc.Env {
			host.Env = append(host.Env, fastcgi.NameValue{Name: k, Value: v})
		}

		if hc.BinPath != "" {
			host.BinPath = hc.BinPath
			host.AddrForSlot = func(slot int) string {
				return fastcgi.SlotSocketPath(socketDir, host.Name, slot)
			}
		}
		for _, addr := range hc.Sockets {
			host.AddRemote(addr)
		}

		pool.Register(ext, host)
	}
	return pool
}

func runServer() {
	log.Infof("Starting lighttgod on %v", tree.Server.Listen)

	registry := plugin.NewRegistry()
	condTree := plugin.NewConfigTree()
	for k, v := range tree.PluginOpt["core"] {
		condTree.SetDefault(k, v)
	}
	for _, cond := range tree.Condition {
		var conds []plugin.Condition
		if cond.Host != "" {
			conds = append(conds, plugin.Condition{Kind: plugin.CondHostEquals, Value: cond.Host})
		}
		if cond.URLPrefix != "" {
			conds = append(conds, plugin.Condition{Kind: plugin.CondURLPrefix, Value: cond.URLPrefix})
		}
		if cond.URLSuffix != "" {
			conds = append(conds, plugin.Condition{Kind: plugin.CondURLSuffix, Value: cond.URLSuffix})
		}
		condTree.AddBlock(plugin.ConfigBlock{Conditions: conds, Options: cond.Options})
	}

	for _, name := range tree.Plugins {
		switch name {
		case "evhost":
			registry.Register(evhost.New(condTree))
		case "securedownload":
			if hashidsSalt == "" {
				log.Warn("plugin/securedownload listed but --securedownload.salt is empty, skipping")
				continue
			}
			p, err := securedownload.New(condTree, hashidsSalt)
			if err != nil {
				log.Fatalf("securedownload: %v", err)
			}
			registry.Register(p)
		default:
			log.Warnf("unknown plugin %q, skipping", name)
		}
	}

	pool := buildPool(tree)
	spawner := fastcgi.NewSpawner()
	ctl := fastcgi.NewController(pool, spawner, fastcgi.NewUnixListenSock(socketDir))

	stats := &metrics.ServerStats{}
	srv := server.New(tree, registry, pool, ctl, stats)

	gw := fastcgi.NewGateway(pool, srv.Poller, func(c *connstate.Connection) fastcgi.RequestEnv {
		env := fastcgi.RequestEnv{
			ServerName:     c.ServerName,
			DocumentRoot:   c.DocRoot,
			ScriptFilename: c.PhysicalPath,
		}
		if c.Request != nil {
			env.ScriptName = c.Request.Path
		}
		return env
	})
	registry.Register(gw)
	registry.SetDefaults()

	if err := srv.Listen(); err != nil {
		log.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctl.Bootstrap(ctx, time.Now())

	collector := metrics.NewCollector(stats, pool, srv.Jobs, srv.Shaper)
	prometheus.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle(metricsEndpoint, promhttp.Handler())
	mux.HandleFunc("/procs", adminProcsHandler(pool))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
		 <head><title>lighttgod</title></head>
		 <body>
		 <h1>lighttgod</h1>
		 <p><a href='` + metricsEndpoint + `'>Metrics</a></p>
		 </body>
		 </html>`))
	})
	metricsSrv := &http.Server{
		Addr:         listeningAddress,
		Handler:      mux,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	select {
	case <-sig:
		log.Info("Shutting down")
	case err := <-runErr:
		if err != nil {
			log.Errorf("server: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	<-runErr
}

