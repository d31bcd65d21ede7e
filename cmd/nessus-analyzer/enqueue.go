package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/config"
	"github.com/yourorg/nessus-analyzer/internal/db"
	"github.com/yourorg/nessus-analyzer/internal/filter"
	"github.com/yourorg/nessus-analyzer/internal/s3"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <nessus_file>",
	Short: "Upload a .nessus file and queue it for the analysis worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ips, _ := cmd.Flags().GetString("allowed-ips")
		exploits, _ := cmd.Flags().GetString("allowed-exploits")
		profile, _ := cmd.Flags().GetString("profile")

		if _, err := archetype.Profile(profile); err != nil {
			return err
		}
		scope := filter.ParseList(ips)
		if len(scope) == 0 {
			return fmt.Errorf("%w: no ips given", filter.ErrMissingAllowList)
		}

		_ = godotenv.Load(".env")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := newLogger()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		store, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Pool.Close()
		if err := store.EnsureSchema(ctx); err != nil && !db.IsInsufficientPrivilege(err) {
			return err
		}

		client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, cfg.S3UseSSL)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		key := s3.ObjectKey("uploads/"+id, filepath.Base(args[0]))
		if err := client.UploadFile(ctx, cfg.UploadsBucket, key, args[0], "application/xml"); err != nil {
			return fmt.Errorf("upload scan: %w", err)
		}
		if _, err := store.Enqueue(ctx, db.Job{
			ID:                id,
			Bucket:            cfg.UploadsBucket,
			ObjectKey:         key,
			ScopeIPs:          scope,
			AllowedArchetypes: filter.ParseList(exploits),
			RulesProfile:      profile,
		}); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		log.WithField("job", id).WithField("key", key).Info("queued")
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().String("allowed-ips", "", "Comma-separated list of allowed IP addresses")
	enqueueCmd.Flags().String("allowed-exploits", "", "Comma-separated list of allowed exploit archetypes (default: all)")
	enqueueCmd.Flags().String("profile", "standard", "Built-in archetype profile (standard, extended)")
	_ = enqueueCmd.MarkFlagRequired("allowed-ips")
}
