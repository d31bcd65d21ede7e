package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yourorg/nessus-analyzer/internal/analysis"
	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/encode"
	"github.com/yourorg/nessus-analyzer/internal/filter"
	"github.com/yourorg/nessus-analyzer/internal/report"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <nessus_file>",
	Short: "Analyze a .nessus file and write the ranked outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("output-dir")
		ips, _ := cmd.Flags().GetString("allowed-ips")
		exploits, _ := cmd.Flags().GetString("allowed-exploits")
		withEncode, _ := cmd.Flags().GetBool("encode")

		rules, err := loadRules(cmd)
		if err != nil {
			return err
		}
		allow, err := filter.New(filter.ParseList(ips), filter.ParseList(exploits), rules)
		if err != nil {
			return err
		}

		log := newLogger()
		res, err := analysis.RunFile(args[0], analysis.Options{AllowList: allow, Rules: rules, Log: log})
		if err != nil {
			return err
		}
		if err := report.Write(outDir, res); err != nil {
			return err
		}
		if withEncode {
			src := filepath.Join(outDir, report.DataWithExploits+".csv")
			if err := encode.EncodeFile(src, filepath.Join(outDir, encode.FileName)); err != nil {
				return err
			}
		}

		out, err := json.MarshalIndent(res.Summary(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// loadRules resolves --rules and --profile; a rules file wins.
func loadRules(cmd *cobra.Command) (*archetype.Ruleset, error) {
	path, _ := cmd.Flags().GetString("rules")
	if path != "" {
		return archetype.Load(path)
	}
	profile, _ := cmd.Flags().GetString("profile")
	return archetype.Profile(profile)
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().String("output-dir", "", "Directory for output files")
	analyzeCmd.Flags().String("allowed-ips", "", "Comma-separated list of allowed IP addresses")
	analyzeCmd.Flags().String("allowed-exploits", "", "Comma-separated list of allowed exploit archetypes")
	analyzeCmd.Flags().String("rules", "", "YAML archetype rules file")
	analyzeCmd.Flags().String("profile", "standard", "Built-in archetype profile (standard, extended)")
	analyzeCmd.Flags().Bool("encode", false, "Also write "+encode.FileName)
	_ = analyzeCmd.MarkFlagRequired("output-dir")
	_ = analyzeCmd.MarkFlagRequired("allowed-ips")
	_ = analyzeCmd.MarkFlagRequired("allowed-exploits")
}
