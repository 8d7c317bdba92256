package main

import (
	"fmt"
	"os"

	"github.com/mazdakn/uqueue/pkg/config"
	"github.com/mazdakn/uqueue/pkg/engine"
	"github.com/mazdakn/uqueue/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	version = "v0.0.1"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "uqueue",
	Short:         "uqueue issues verdicts for packets queued by netfilter",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bind to the configured queue and process packets until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(configFile)
		if err != nil {
			return err
		}
		closer, err := logging.Setup(conf.Log)
		if err != nil {
			return err
		}
		defer closer.Close()

		logrus.Infof("Running uQueue %v", version)
		drv, err := engine.OpenDriver(conf.Queue)
		if err != nil {
			return fmt.Errorf("failed to open %v driver - err: %w", conf.Queue.Driver, err)
		}
		engineMgr, err := engine.New(conf, drv)
		if err != nil {
			drv.Close()
			return err
		}
		return engineMgr.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", config.DefaultFile, "Config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("Failure in running uqueue")
		os.Exit(1)
	}
}
