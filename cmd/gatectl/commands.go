package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newJobShortcutCmd(opts *options, use, job, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, opts, job)
		},
	}
}

func runJob(cmd *cobra.Command, opts *options, job string) error {
	raw, err := newClient(opts).do(cmd.Context(), http.MethodPost, "/v1/jobs/"+url.PathEscape(job)+"/run", nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func newJobsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or run scheduled jobs",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show every job with its schedule and last run",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/v1/jobs", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, raw)
			},
		},
		&cobra.Command{
			Use:   "run <name>",
			Short: "Run one job now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runJob(cmd, opts, args[0])
			},
		},
	)
	return cmd
}

func newLimitCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limit",
		Short: "Read or change the monthly chat limit (max_chat_count)",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the current limit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/v1/params/max_chat_count", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, raw)
			},
		},
		&cobra.Command{
			Use:   "set <count>",
			Short: "Change the limit; 0 disables enforcement",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || n < 0 {
					return fmt.Errorf("limit must be a non-negative integer, got %q", args[0])
				}
				raw, err := newClient(opts).do(cmd.Context(), http.MethodPut, "/v1/params/max_chat_count",
					map[string]string{"value": strconv.FormatInt(n, 10)})
				if err != nil {
					return err
				}
				return printJSON(cmd, raw)
			},
		},
	)
	return cmd
}

func newEntitledCmd(opts *options) *cobra.Command {
	var recompute bool

	cmd := &cobra.Command{
		Use:   "entitled <account-id>",
		Short: "Show whether an account currently holds premium",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, path := http.MethodGet, "/v1/accounts/"+url.PathEscape(args[0])+"/entitlement"
			if recompute {
				method, path = http.MethodPost, path+"/recompute"
			}
			raw, err := newClient(opts).do(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}

	cmd.Flags().BoolVar(&recompute, "recompute", false, "Recompute from subscription records instead of reading the cache")
	return cmd
}

func newDisabledCmd(opts *options) *cobra.Command {
	var reason, cursor string
	var limit int

	cmd := &cobra.Command{
		Use:   "disabled",
		Short: "List disabled accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if reason != "" {
				q.Set("reason", reason)
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/accounts/disabled"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Disabled reason: usage_limit_exceeded (server default), manually_disabled or any")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	return cmd
}
