package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yourorg/nessus-analyzer/internal/encode"
)

var encodeCmd = &cobra.Command{
	Use:   "encode <data_with_exploits.csv>",
	Short: "Write the categorical encoding of a findings table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(filepath.Dir(args[0]), encode.FileName)
		}
		if err := encode.EncodeFile(args[0], out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encodeCmd)
	encodeCmd.Flags().String("out", "", "Output path (default: "+encode.FileName+" next to the input)")
}
