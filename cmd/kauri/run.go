package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relab/kauri/config"
	"github.com/relab/kauri/replica"
)

func runCmd() *cobra.Command {
	var (
		listen      string
		dataDir     string
		development bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run this replica until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			fc, err := config.Load(path)
			if err != nil {
				return err
			}
			conf, err := fc.ToReplicaConfig()
			if err != nil {
				return err
			}

			r, err := replica.New(conf, replica.Options{
				Listen:            firstNonEmpty(listen, fc.Listen),
				DataDir:           firstNonEmpty(dataDir, fc.DataDir),
				UseBLS:            fc.UseBLS,
				Development:       development,
				InitialTimeoutMS:  100,
				MaxTimeoutMS:      10000,
				TimeoutMultiplier: 1.5,
			})
			if err != nil {
				return fmt.Errorf("failed to build replica: %w", err)
			}
			if err := r.Run(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return r.Stop()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address from the config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override the persistent state directory from the config file")
	cmd.Flags().BoolVar(&development, "dev", false, "use verbose development logging")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
