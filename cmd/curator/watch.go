package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-curator/internal/config"
	"github.com/withObsrvr/obsrvr-curator/internal/watcher"
)

func watchCmd() *cobra.Command {
	var (
		configPath string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the landing area and curate each new batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			prefixes := []string{cfg.Landing.EventsPrefix}
			for _, p := range []string{cfg.Landing.UsersPrefix, cfg.Landing.VideosPrefix, cfg.Landing.DevicesPrefix} {
				if p != "" {
					prefixes = append(prefixes, p)
				}
			}
			w := watcher.New(watcher.Config{Interval: interval, Prefixes: prefixes}, a.landing, a.pipeline)
			if err := w.Run(ctx); err != nil {
				return err
			}
			log.Println("[main] curator stopped cleanly")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "polling interval")
	return cmd
}
