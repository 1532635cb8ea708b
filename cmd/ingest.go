package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"webrag/src/core/ingestion"
	"webrag/src/core/knowledge"
	"webrag/src/core/progress"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest one document in-process and wait for it to finish",
	Long: `Ingest chunks and embeds a local file, or the page at --url, using the
configured stores and provider. A file ending in .json is read as a list of
tables ({"name", "columns", "rows"}) unless --content-type says otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringP("project", "p", "default", "Project ID")
	ingestCmd.Flags().StringP("ref", "r", "", "Document reference (default is the file name or URL)")
	ingestCmd.Flags().String("url", "", "Fetch the document from this URL instead of a file")
	ingestCmd.Flags().String("session", "", "Progress session ID (generated when empty)")
	ingestCmd.Flags().String("content-type", "", "Content type of the document")
	ingestCmd.Flags().Bool("force", false, "Bypass the content cache")
	ingestCmd.Flags().Bool("quiet", false, "Do not render a progress bar")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	projectID, _ := flags.GetString("project")
	ref, _ := flags.GetString("ref")
	sourceURL, _ := flags.GetString("url")
	sessionID, _ := flags.GetString("session")
	contentType, _ := flags.GetString("content-type")
	force, _ := flags.GetBool("force")
	quiet, _ := flags.GetBool("quiet")

	req := ingestion.Request{
		ProjectID:    projectID,
		SessionID:    sessionID,
		DocumentRef:  ref,
		SourceURL:    sourceURL,
		ContentType:  contentType,
		ForceRefresh: force,
	}

	switch {
	case len(args) == 1:
		if err := readDocument(args[0], &req); err != nil {
			return err
		}
	case sourceURL != "":
		if req.DocumentRef == "" {
			req.DocumentRef = sourceURL
		}
	default:
		return errors.New("either a file or --url is required")
	}

	a, err := buildApp(ctx, roleLocal)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startJobs(ctx); err != nil {
		return err
	}

	// Subscribe first so the idle event of the new session is not missed.
	updates := a.engine.Subscribe(ctx, req.ProjectID)

	ticket, err := a.engine.Ingest(ctx, req)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(req.DocumentRef),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(!quiet),
		progressbar.OptionShowCount(),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionClearOnFinish(),
	)
	final, err := waitTerminal(ctx, updates, ticket.SessionID, func(u progress.Update) {
		if u.TotalChunks > 0 && bar.GetMax() != u.TotalChunks {
			bar.ChangeMax(u.TotalChunks)
		}
		_ = bar.Set(u.CurrentChunk)
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if final.Status == progress.StatusError {
		return fmt.Errorf("ingestion failed: %s", final.Error)
	}
	return nil
}

func readDocument(path string, req *ingestion.Request) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if req.DocumentRef == "" {
		req.DocumentRef = filepath.Base(path)
	}

	if filepath.Ext(path) == ".json" && (req.ContentType == "" || req.ContentType == "application/json") {
		var tables []knowledge.Table
		if err := json.Unmarshal(data, &tables); err != nil {
			return fmt.Errorf("failed to parse tables in %s: %w", path, err)
		}
		req.StructuredData = tables
		req.ContentType = "application/json"
		return nil
	}

	req.RawText = string(data)
	return nil
}
