package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultURL = "http://localhost:8080"

type options struct {
	url     string
	secret  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "gatectl",
		Short:         "Operate the chatgate account gate",
		Long:          "gatectl triggers reconciliation jobs, reads and changes the global chat limit and inspects account entitlement through the chatgate admin API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.url, "url", envOr("GATECTL_URL", defaultURL), "chatgate base URL")
	rootCmd.PersistentFlags().StringVar(&opts.secret, "admin-secret", os.Getenv("ADMIN_SECRET"), "admin secret (X-Admin-Secret)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	rootCmd.AddCommand(
		newJobShortcutCmd(opts, "sync", "usage-sync", "Pull authoritative usage for every account"),
		newJobShortcutCmd(opts, "reset", "monthly-reset", "Roll the usage period and re-enable usage-disabled accounts"),
		newJobShortcutCmd(opts, "sweep", "expiry-sweep", "Expire lapsed subscriptions and record expiry notices"),
		newJobsCmd(opts),
		newLimitCmd(opts),
		newEntitledCmd(opts),
		newDisabledCmd(opts),
	)

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
