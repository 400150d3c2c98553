package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/claims-adjudication/internal/model"
	"github.com/sells-group/claims-adjudication/internal/review"
	"github.com/sells-group/claims-adjudication/internal/store"
)

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Inspect claims",
	Long:  "Commands for listing claims and viewing a claim with its review state.",
}

// -- claims list --

var claimsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := store.ClaimFilter{Status: model.ClaimStatus(status), Limit: limit}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("claims list: unknown status %q", status)
		}

		claims, err := st.ListClaims(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "claims list")
		}
		if len(claims) == 0 {
			fmt.Fprintln(os.Stderr, "No claims found.")
			return nil
		}

		formatClaimsList(os.Stdout, claims)
		return nil
	},
}

// -- claims show --

var claimsShowCmd = &cobra.Command{
	Use:   "show <claim-id>",
	Short: "Show a claim, its evidence and review consensus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		claim, err := st.GetClaim(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "claims show")
		}

		view := claimView{Claim: claim}
		shares, err := st.ListReviewShares(ctx, claim.ID)
		if err != nil {
			return eris.Wrap(err, "claims show: shares")
		}
		for _, sh := range shares {
			view.Shares = append(view.Shares, shareView{ReviewerID: sh.ReviewerID, Submitted: sh.Submitted(), Decision: sh.Decision})
		}
		if len(shares) > 0 {
			svc := review.NewService(st, nil, cfg.Review)
			if out, err := svc.Outcome(ctx, claim.ID); err == nil {
				view.Outcome = out
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

// -- pay --

var payCmd = &cobra.Command{
	Use:   "pay <claim-id>",
	Short: "Mark an approved claim as paid out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.MarkPaidOut(ctx, args[0]); err != nil {
			return eris.Wrapf(err, "pay %s", args[0])
		}
		cmd.Printf("claim %s paid out\n", args[0])
		return nil
	},
}

func init() {
	claimsListCmd.Flags().String("status", "", "filter by status (OPEN, APPROVED, REJECTED, PAID_OUT)")
	claimsListCmd.Flags().Int("limit", 50, "max number of claims to display")

	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsShowCmd)
	rootCmd.AddCommand(claimsCmd)
	rootCmd.AddCommand(payCmd)
}

// formatClaimsList writes a tabular list of claims to w.
func formatClaimsList(out io.Writer, claims []model.Claim) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tUSER\tSTATUS\tSCORE\tREVIEW\tDECISION\tEVIDENCE\tSUBMITTED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t------\t--------\t--------\t---------")

	for _, c := range claims {
		reviewState := ""
		switch {
		case c.ConsensusFinalized:
			reviewState = "final"
		case c.ManualReviewRequired:
			reviewState = "pending"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			truncateID(c.ID),
			c.UserID,
			c.Status,
			c.AutomatedScore,
			reviewState,
			c.ReviewDecision,
			len(c.Evidence),
			c.SubmittedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
