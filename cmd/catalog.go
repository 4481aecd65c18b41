package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the canonical code catalog",
}

var catalogSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load canonical codes and their seed aliases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		var seed *catalog.Seed
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			seed, err = catalog.LoadSeed(path)
		} else {
			seed, err = catalog.Default()
		}
		if err != nil {
			return eris.Wrap(err, "catalog seed")
		}

		res, err := catalog.Apply(ctx, env.Store, env.Aliases, seed)
		if err != nil {
			return eris.Wrap(err, "catalog seed")
		}
		fmt.Fprintf(os.Stderr, "Seeded %d code(s): %d alias(es) added, %d already present.\n",
			res.Codes, res.AliasesAdded, res.AliasesPresent)
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical codes by category",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		codes, err := st.ListCodes(ctx)
		if err != nil {
			return eris.Wrap(err, "catalog list")
		}
		if len(codes) == 0 {
			fmt.Fprintln(os.Stderr, "Catalog is empty. Run `docintel catalog seed`.")
			return nil
		}
		formatCatalog(os.Stdout, catalog.Group(codes))
		return nil
	},
}

func init() {
	catalogSeedCmd.Flags().String("file", "", "seed YAML file (default: built-in catalog)")

	catalogCmd.AddCommand(catalogSeedCmd)
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

func formatCatalog(w io.Writer, groups []catalog.Category) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\n", g.Name)
		for _, c := range g.Codes {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Code, c.DisplayName, c.DataType)
		}
	}
	tw.Flush() //nolint:errcheck
}
