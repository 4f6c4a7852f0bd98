/*
Copyright 2025.

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

package main

import (
	"fmt"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubeflow-mini/kubeflow-mini/cmd/version"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/apiserver"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/cli"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/config"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/logger"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/manager"
)

func main() {
	// Create root command
	rootCmd := &cobra.Command{
		Use:   "kubeflow-mini",
		Short: "Kubeflow-mini controller manager",
		Long: "Manages ML workloads on Kubernetes: project quota tracking, " +
			"training job lifecycle and notebook session leases",
		Run: func(cmd *cobra.Command, args []string) {
			// Initialize configuration
			cfg := config.InitConfig()

			// Set up logging
			zapLogger := logger.SetupLogger(cfg)
			defer func() {
				if err := zapLogger.Sync(); err != nil {
					zapLogger.Error("Failed to sync logger", zap.Error(err))
				}
			}()
			logger.ConfigureControllerRuntime(zapLogger)

			// Initialize scheme
			scheme := manager.InitScheme()

			// Create controller manager
			mgr, err := manager.SetupManager(cfg, scheme)
			if err != nil {
				zapLogger.Error("unable to start manager", zap.Error(err))
				os.Exit(1)
			}

			// Set up controllers and the lease sweeper
			if err := manager.SetupControllers(mgr, cfg); err != nil {
				zapLogger.Error("unable to set up controllers", zap.Error(err))
				os.Exit(1)
			}

			// Set up the projection API server
			if cfg.APIEnable {
				api := apiserver.NewServer(cfg, mgr.GetClient(), zapLogger)
				if err := mgr.Add(api); err != nil {
					zapLogger.Error("unable to add API server", zap.Error(err))
					os.Exit(1)
				}
			}

			// Start the manager; blocks until a shutdown signal
			manager.Start(mgr)
		},
	}

	// Add subcommands
	rootCmd.AddCommand(version.NewVersionCmd())
	rootCmd.AddCommand(cli.NewListCmd())
	rootCmd.AddCommand(cli.NewGetCmd())

	// Setup flags
	config.SetupFlags(rootCmd)

	// Execute the root command
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
