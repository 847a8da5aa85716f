// Command gatectl operates a running chatgate service through its admin API.
//
// Usage:
//
//	gatectl sync                     # run the bulk usage sync now
//	gatectl reset                    # run the monthly reset now
//	gatectl sweep                    # expire lapsed subscriptions and record notices
//	gatectl limit get                # show max_chat_count
//	gatectl limit set 200            # change max_chat_count (propagates)
//	gatectl entitled acct_123        # entitlement of one account
//	gatectl disabled --reason usage_limit_exceeded
//	gatectl jobs list | run <name>
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
