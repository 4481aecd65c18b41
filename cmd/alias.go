package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/model"
)

var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Maintain item code aliases",
}

var aliasUpsertCmd = &cobra.Command{
	Use:   "upsert <alias> <code-token>",
	Short: "Map a free-text label to a canonical code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		code, err := env.Store.GetCodeByToken(ctx, args[1])
		if err != nil {
			return eris.Wrap(err, "alias upsert")
		}
		if code == nil {
			return eris.Errorf("alias upsert: unknown code %s", args[1])
		}

		confidence, _ := cmd.Flags().GetFloat64("confidence")
		source, _ := cmd.Flags().GetString("source")

		w, err := env.Aliases.Upsert(ctx, alias.UpsertRequest{
			Alias:           args[0],
			CanonicalCodeID: code.ID,
			Confidence:      confidence,
			Source:          model.AliasSource(source),
		})
		if err != nil {
			return eris.Wrap(err, "alias upsert")
		}
		return printJSON(os.Stdout, w)
	},
}

var aliasDeactivateCmd = &cobra.Command{
	Use:   "deactivate <alias-id>",
	Short: "Retire an alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		return eris.Wrap(env.Aliases.Deactivate(ctx, args[0]), "alias deactivate")
	},
}

func init() {
	aliasUpsertCmd.Flags().Float64("confidence", 1.0, "mapping confidence in [0, 1]")
	aliasUpsertCmd.Flags().String("source", string(model.AliasSourceManual), "alias source (system_seed, llm_suggested, user_confirmed, manual)")

	aliasCmd.AddCommand(aliasUpsertCmd)
	aliasCmd.AddCommand(aliasDeactivateCmd)
	rootCmd.AddCommand(aliasCmd)
}
