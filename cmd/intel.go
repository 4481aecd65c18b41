package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/intel"
	"github.com/sells-group/docintel/internal/model"
)

var intelCmd = &cobra.Command{
	Use:   "intel",
	Short: "Merge and inspect client and project intelligence",
}

var intelIngestCmd = &cobra.Command{
	Use:   "ingest <scope> <entity-id> <facts.json>",
	Short: "Merge a document's tagged facts into an entity's record",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[2])
		if err != nil {
			return eris.Wrap(err, "intel ingest: read facts")
		}
		var env model.FactsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return eris.Wrap(err, "intel ingest: parse facts")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := intel.NewService(st).IngestFacts(ctx, scope, args[1], env)
		if err != nil {
			return eris.Wrap(err, "intel ingest")
		}
		fmt.Fprintf(os.Stderr, "Added %d, updated %d, skipped %d.\n",
			res.Stats.Added, res.Stats.Updated, res.Stats.Skipped)
		return nil
	},
}

var intelShowCmd = &cobra.Command{
	Use:   "show <scope> <entity-id>",
	Short: "Show an entity's intelligence record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fields, err := intel.NewService(st).Get(ctx, scope, args[1])
		if err != nil {
			return eris.Wrap(err, "intel show")
		}
		if len(fields) == 0 {
			fmt.Fprintln(os.Stderr, "No intelligence recorded.")
			return nil
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, fields)
		}
		formatIntel(os.Stdout, fields)
		return nil
	},
}

func init() {
	intelShowCmd.Flags().Bool("json", false, "print JSON instead of a table")

	intelCmd.AddCommand(intelIngestCmd)
	intelCmd.AddCommand(intelShowCmd)
	rootCmd.AddCommand(intelCmd)
}

func parseScope(s string) (model.Scope, error) {
	scope := model.Scope(s)
	if !scope.Valid() {
		return "", eris.Errorf("scope must be %q or %q, got %q", model.ScopeClient, model.ScopeProject, s)
	}
	return scope, nil
}

func formatIntel(w io.Writer, fields map[string]model.IntelligenceField) {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tVALUE\tCONFIDENCE\tSOURCE")
	for _, p := range paths {
		f := fields[p]
		src := f.SourceDocumentID
		if src == "" {
			src = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", p, truncate(string(f.Value), 50), f.Confidence, src)
	}
	tw.Flush() //nolint:errcheck
}
