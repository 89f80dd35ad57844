package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/qreshi/index-management/internal/config"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with lifecycle policies",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a policy definition file",
	Long: `Validate a lifecycle policy definition (YAML or JSON) against the
policy schema and its structural rules.

Example:
  indexctl policy validate hot-warm-delete.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyValidate,
}

var policyPushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Validate and store a policy definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyPush,
}

var policyPushID string

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyPushCmd)

	policyPushCmd.Flags().StringVar(&policyPushID, "id", "", "Policy id (defaults to the file name)")
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Policy validation failed", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Policy %q is valid: %d states, default state %q\n",
		p.ID, len(p.States), p.DefaultState)
	return nil
}

func runPolicyPush(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Policy validation failed", err)
	}
	if policyPushID != "" {
		p.ID = strings.TrimSpace(policyPushID)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	store, err := metastore.NewClient(cfg.Store)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to the metadata store", err)
	}

	doc, err := store.PutDocument(cmd.Context(), cfg.ManagementIndex, p.ID, policy.Envelope{Policy: *p}, nil)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to store policy", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stored policy %q (seq_no %d, primary_term %d)\n",
		p.ID, doc.SeqNo, doc.PrimaryTerm)
	return nil
}
