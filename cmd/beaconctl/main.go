package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jamie-anson/project-beacon-runner/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beaconctl",
	Short: "Operator CLI for the proof-orchestration core",
	Long:  "beaconctl validates and inspects the token registry consumed by the indexer and decider prover",
}

var tokensFile string

var tokensValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a tokens registry file without starting the indexer",
	RunE:  runTokensValidate,
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the parsed token registry as JSON",
	RunE:  runTokensList,
}

func init() {
	tokensValidateCmd.Flags().StringVar(&tokensFile, "file", "", "path to the tokens registry JSON file")
	_ = tokensValidateCmd.MarkFlagRequired("file")
	tokensListCmd.Flags().StringVar(&tokensFile, "file", "", "path to the tokens registry JSON file")
	_ = tokensListCmd.MarkFlagRequired("file")

	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect the token registry",
	}
	tokensCmd.AddCommand(tokensValidateCmd, tokensListCmd)
	rootCmd.AddCommand(tokensCmd)
}

func runTokensValidate(cmd *cobra.Command, args []string) error {
	specs, err := config.LoadTokens(tokensFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d token(s) valid\n", tokensFile, len(specs))
	return nil
}

func runTokensList(cmd *cobra.Command, args []string) error {
	specs, err := config.LoadTokens(tokensFile)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(specs)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
