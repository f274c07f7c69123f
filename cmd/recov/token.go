package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and check recovery tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue TYPE RESOURCE",
	Short: "Issue a token for a backup ID or a path",
	Long: `Issue a signed recovery token bound to the current state of a resource.

TYPE is "backup" (RESOURCE is a backup ID) or "path" (RESOURCE is a file or
directory). The token string is printed once and is not stored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		permanent, _ := cmd.Flags().GetBool("permanent")
		oneTime, _ := cmd.Flags().GetBool("one-time")
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp("token issue", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		issued, err := a.IssueToken(cmd.Context(), args[0], args[1], name, ttl, permanent, oneTime)
		if err != nil {
			return err
		}

		fmt.Printf("Token ID: %s\n", issued.TokenID)
		if issued.ExpiresAt != nil {
			fmt.Printf("Expires:  %s\n", issued.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Println("Expires:  never")
		}
		fmt.Printf("\n%s\n\nQR payload:\n%s\n", issued.TokenString, issued.QRPayload)
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify TOKEN",
	Short: "Verify a token string or QR payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("token verify")
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.VerifyToken(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Valid %s token %s for %s\n", v.Token.Type, v.Token.TokenID, v.Token.ResourceID)
		if v.Consumed {
			fmt.Println("One-time token consumed.")
		}
		for _, w := range v.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("token list")
		if err != nil {
			return err
		}
		defer a.Close()

		tokens, err := a.ListTokens(limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tRESOURCE\tISSUED\tEXPIRES\tSTATE")
		for _, t := range tokens {
			expires := "never"
			if t.ExpiresAt.Valid {
				expires = t.ExpiresAt.Time.Local().Format("2006-01-02 15:04")
			}
			state := "active"
			if t.OneTimeUse {
				state = "one-time"
			}
			if t.Used {
				state = "used"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.TokenID, t.Type, t.ResourceID,
				t.IssuedAt.Local().Format("2006-01-02 15:04"), expires, state)
		}
		return w.Flush()
	},
}

var tokenCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("token cleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.CleanupTokens()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired tokens.\n", n)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("token revoke", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RevokeToken(args[0]); err != nil {
			return err
		}
		fmt.Printf("Token %s revoked.\n", args[0])
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().Duration("ttl", 0, "Token lifetime (default from config)")
	tokenIssueCmd.Flags().Bool("permanent", false, "Issue a token that never expires")
	tokenIssueCmd.Flags().Bool("one-time", false, "Token becomes invalid after its first successful verification")
	tokenIssueCmd.Flags().String("name", "", "Human-readable resource name")

	tokenListCmd.Flags().IntP("limit", "n", 50, "Maximum number of tokens to show")

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenCleanupCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
