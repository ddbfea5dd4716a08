package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	"github.com/withObsrvr/obsrvr-curator/internal/generate"
)

func generateCmd() *cobra.Command {
	cfg := generate.DefaultConfig()
	var out, bucketURL string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic StreamPro landing area",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			var (
				bucket *blob.Bucket
				err    error
			)
			switch {
			case bucketURL != "":
				bucket, err = blob.OpenBucket(ctx, bucketURL)
			case out != "":
				if err := os.MkdirAll(out, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				bucket, err = fileblob.OpenBucket(out, nil)
			default:
				return fmt.Errorf("--out or --url is required")
			}
			if err != nil {
				return fmt.Errorf("open output: %w", err)
			}
			defer bucket.Close()

			sum, err := generate.Write(ctx, bucket, cfg)
			if err != nil {
				return err
			}
			log.Printf("[generate] wrote %d users, %d videos, %d devices, %d events",
				sum.Users, sum.Videos, sum.Devices, sum.Events)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output directory")
	cmd.Flags().StringVar(&bucketURL, "url", "", "output bucket URL (gs://, s3://, file://)")
	cmd.Flags().IntVar(&cfg.Days, "days", cfg.Days, "number of days to span events over")
	cmd.Flags().IntVar(&cfg.Users, "users", cfg.Users, "number of users")
	cmd.Flags().IntVar(&cfg.Videos, "videos", cfg.Videos, "number of videos")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	return cmd
}
