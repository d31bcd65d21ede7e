package main

import (
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the archetype rules as YAML",
	Long: `Print the archetype rules in the YAML format accepted by --rules and
ARCHETYPE_RULES. Useful as a starting point for a custom rules file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules(cmd)
		if err != nil {
			return err
		}
		out, err := rules.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().String("rules", "", "YAML archetype rules file to validate and print")
	rulesCmd.Flags().String("profile", "standard", "Built-in archetype profile (standard, extended)")
}
