package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"webrag/src/core/knowledge"
	"webrag/src/core/retrieval"
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Answer a question over ingested documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringP("project", "p", "default", "Project ID")
	queryCmd.Flags().StringSliceP("refs", "r", nil, "Candidate document references")
	queryCmd.Flags().String("provider", "", "Provider override (openai, ollama)")
	queryCmd.Flags().String("completion-model", "", "Completion model override")
	_ = queryCmd.MarkFlagRequired("refs")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	projectID, _ := flags.GetString("project")
	refs, _ := flags.GetStringSlice("refs")
	provider, _ := flags.GetString("provider")
	model, _ := flags.GetString("completion-model")

	a, err := buildApp(ctx, roleLocal)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.engine.Query(ctx, retrieval.Request{
		ProjectID:    projectID,
		DocumentRefs: refs,
		Question:     args[0],
	}, knowledge.ProviderConfig{Provider: provider, CompletionModel: model})
	if answer != nil {
		out, merr := json.MarshalIndent(answer, "", "  ")
		if merr != nil {
			return errors.Join(err, merr)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return err
}
