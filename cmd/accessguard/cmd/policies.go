package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/venuescout/accessguard/internal/policy"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect policy documents",
}

var lintCmd = &cobra.Command{
	Use:   "lint <file>",
	Short: "Validate a policy document without starting the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", args[0])
		fmt.Fprintf(out, "  policies:        %d\n", len(doc.Policies))
		fmt.Fprintf(out, "  access rules:    %d\n", len(doc.AccessRules))
		fmt.Fprintf(out, "  detection rules: %d\n", len(doc.DetectionRules))

		endpoints := make([]string, 0, len(doc.RateLimits))
		for endpoint := range doc.RateLimits {
			endpoints = append(endpoints, endpoint)
		}
		sort.Strings(endpoints)
		for _, endpoint := range endpoints {
			rule := doc.RateLimits[endpoint]
			fmt.Fprintf(out, "  rate limit %-20s %d per %s, block %s\n", endpoint, rule.MaxRequests, rule.Window, rule.BlockDuration)
		}
		return nil
	},
}

func init() {
	policiesCmd.AddCommand(lintCmd)
}
