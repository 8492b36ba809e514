/*
Copyright 2025 The controlmgr Authors.

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

// The controlmgr binary runs the controller manager core against a
// simulated hardware layer: a smoke-test harness for the realtime loop,
// the switch engine, and the metrics surface without real robot hardware.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kinematix/controlmgr/pkg/controlmgr/config"
	"github.com/kinematix/controlmgr/pkg/controlmgr/manager"
	logutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/logging"
	"github.com/kinematix/controlmgr/version"
)

func main() {
	var (
		configPath  string
		updateRate  uint
		metricsAddr string
		verbosity   int
	)

	root := &cobra.Command{
		Use:          "controlmgr",
		Short:        "Robot controller manager core",
		SilenceUsage: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the realtime loop against simulated hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logutil.NewLogger(verbosity)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if updateRate != 0 {
				cfg.UpdateRate = updateRate
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			rm := newSimulatedHardware(logger)
			cm, err := manager.New(rm, logger, *cfg, registry)
			if err != nil {
				return err
			}
			if err := loadDemoControllers(cm); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return cm.Run(ctx) })
			g.Go(func() error {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("Serving metrics", "addr", metricsAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return cm.Shutdown(shutdownCtx)
		},
	}
	run.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	run.Flags().UintVar(&updateRate, "update-rate", 0, "realtime loop rate in Hz (overrides the config file)")
	run.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for the Prometheus endpoint")
	run.Flags().IntVarP(&verbosity, "verbosity", "v", 0, "log verbosity")
	root.AddCommand(run)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("controlmgr %s", version.Release)
			if version.CommitSHA != "" {
				cmd.Printf(" (%s)", version.CommitSHA)
			}
			cmd.Println()
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
