package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

var codifyCmd = &cobra.Command{
	Use:   "codify",
	Short: "Review and refine item codification",
}

// -- codify smart --

var codifySmartCmd = &cobra.Command{
	Use:   "smart <document-id>",
	Short: "Run the Smart Pass over a document's pending items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		offline, _ := cmd.Flags().GetBool("offline")
		mode := "codify"
		if offline {
			mode = "store"
		}
		env, err := initEnv(ctx, mode, !offline)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Codifier.RunSmartPass(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "codify smart")
		}

		apply, _ := cmd.Flags().GetBool("create-codes")
		if apply && len(report.ProposedCodes) > 0 {
			codes, err := env.Codifier.CreateProposedCodes(ctx, report.ProposedCodes)
			if err != nil {
				return eris.Wrap(err, "codify smart: create proposed codes")
			}
			fmt.Fprintf(os.Stderr, "Created or reused %d proposed code(s).\n", len(codes))
		}
		return printJSON(os.Stdout, report)
	},
}

// -- codify confirm --

var codifyConfirmCmd = &cobra.Command{
	Use:   "confirm <item-id>",
	Short: "Confirm an item's code and learn the label as an alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		codeID, _ := cmd.Flags().GetString("code")
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			code, err := env.Store.GetCodeByToken(ctx, token)
			if err != nil {
				return eris.Wrap(err, "codify confirm")
			}
			if code == nil {
				return eris.Errorf("codify confirm: unknown code %s", token)
			}
			codeID = code.ID
		}

		item, err := env.Codifier.ConfirmItem(ctx, args[0], codeID)
		if err != nil {
			return eris.Wrap(err, "codify confirm")
		}
		return printJSON(os.Stdout, item)
	},
}

// -- codify items --

var codifyItemsCmd = &cobra.Command{
	Use:   "items <document-id>",
	Short: "List a document's codified items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		items, err := st.ListItems(ctx, store.ItemFilter{
			DocumentID: args[0],
			Status:     model.MappingStatus(status),
		})
		if err != nil {
			return eris.Wrap(err, "codify items")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No items found.")
			return nil
		}
		formatItems(os.Stdout, items)
		return nil
	},
}

func init() {
	codifySmartCmd.Flags().Bool("offline", false, "skip the model and use heuristic suggestions")
	codifySmartCmd.Flags().Bool("create-codes", false, "create the proposed codes and link their items")

	codifyConfirmCmd.Flags().String("code", "", "canonical code id (default: the current suggestion)")
	codifyConfirmCmd.Flags().String("token", "", "canonical code token, e.g. <stamp.duty>")

	codifyItemsCmd.Flags().String("status", "", "filter by mapping status (matched, pending_review, suggested, confirmed)")

	codifyCmd.AddCommand(codifySmartCmd)
	codifyCmd.AddCommand(codifyConfirmCmd)
	codifyCmd.AddCommand(codifyItemsCmd)
	rootCmd.AddCommand(codifyCmd)
}

func formatItems(w io.Writer, items []model.CodifiedItem) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVALUE\tCODE\tCONFIDENCE\tSTATUS")
	for _, it := range items {
		code := it.SuggestedCode
		if code == "" {
			code = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f %s\t%s\t%.2f\t%s\n",
			shortID(it.ID), truncate(it.OriginalName, 40), it.Value, it.Currency, code, it.Confidence, it.MappingStatus)
	}
	tw.Flush() //nolint:errcheck
}
