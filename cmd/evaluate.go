package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"webrag/src/core/ingestion"
	"webrag/src/core/knowledge"
	"webrag/src/core/progress"
	"webrag/src/core/retrieval"
)

// evaluateCmd represents the evaluate command
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score retrieval against a set of golden chunks",
	Long: `Evaluate optionally ingests the documents of --input, then asks every
question of the --evaluate JSONL file and reports which share of the golden
chunks came back as answer sources.

Input file: [{"document_ref": "...", "content": "..."}]
Evaluation line: {"question": "...", "candidate_document_refs": [...],
                  "golden_chunks": [["document_ref", 0], ...]}`,
	RunE: Evaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringP("input", "i", "", "Input JSON file path")
	evaluateCmd.Flags().StringP("evaluate", "e", "", "Evaluation JSONL file path")
	evaluateCmd.Flags().StringP("project", "p", "evaluation", "Project ID")
	_ = evaluateCmd.MarkFlagRequired("evaluate")
}

type evaluationDocument struct {
	DocumentRef string `json:"document_ref"`
	Content     string `json:"content"`
}

type evaluationCase struct {
	Question     string     `json:"question"`
	DocumentRefs []string   `json:"candidate_document_refs"`
	GoldenChunks []ChunkRef `json:"golden_chunks"`
}

// ChunkRef is a [document_ref, chunk_index] pair.
type ChunkRef struct {
	DocumentRef string
	Index       int
}

func (e *ChunkRef) UnmarshalJSON(data []byte) error {
	var temp []interface{}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	if len(temp) != 2 {
		return fmt.Errorf("ChunkRef must have exactly 2 elements")
	}

	ref, ok := temp[0].(string)
	if !ok {
		return fmt.Errorf("first element must be a string")
	}

	index, ok := temp[1].(float64)
	if !ok {
		return fmt.Errorf("second element must be a number")
	}

	e.DocumentRef = ref
	e.Index = int(index)

	return nil
}

// recall returns the share of golden chunks found among sources.
func recall(golden []ChunkRef, sources []retrieval.Source) float64 {
	if len(golden) == 0 {
		return 0
	}
	var matchCount int
	for _, g := range golden {
		for _, s := range sources {
			if s.DocumentRef == g.DocumentRef && s.ChunkIndex == g.Index {
				matchCount++
				break
			}
		}
	}
	return float64(matchCount) / float64(len(golden))
}

func Evaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	inputPath, _ := cmd.Flags().GetString("input")
	evaluatePath, _ := cmd.Flags().GetString("evaluate")
	projectID, _ := cmd.Flags().GetString("project")

	a, err := buildApp(ctx, roleLocal)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startJobs(ctx); err != nil {
		return err
	}

	if inputPath != "" {
		if err := ingestEvaluationInput(ctx, a, projectID, inputPath); err != nil {
			return err
		}
	}

	// Open evaluation file
	evalFile, err := os.Open(evaluatePath)
	if err != nil {
		return fmt.Errorf("failed to open evaluation file: %w", err)
	}
	defer evalFile.Close()

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(evalFile)
	const maxCapacity = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

	var (
		totalScore float64
		totalEvals int
		totalCost  float64
	)
	for scanner.Scan() {
		var c evaluationCase
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			fmt.Fprintf(out, "Failed to parse evaluation line: %v\n", err)
			continue
		}

		answer, err := a.engine.Query(ctx, retrieval.Request{
			ProjectID:    projectID,
			DocumentRefs: c.DocumentRefs,
			Question:     c.Question,
		}, knowledge.ProviderConfig{})
		if answer != nil {
			totalCost += answer.Cost
		}
		if err != nil {
			fmt.Fprintf(out, "Failed to answer %q: %v\n", c.Question, err)
			continue
		}

		totalScore += recall(c.GoldenChunks, answer.Sources)
		totalEvals++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading evaluation file: %w", err)
	}

	if totalEvals == 0 {
		fmt.Fprintln(out, "No evaluations were processed")
		return nil
	}
	fmt.Fprintf(out, "Evaluation Results:\n")
	fmt.Fprintf(out, "Total evaluations: %d\n", totalEvals)
	fmt.Fprintf(out, "Average recall: %.2f%%\n", totalScore/float64(totalEvals)*100)
	fmt.Fprintf(out, "Total cost: %.6f\n", totalCost)
	return nil
}

func ingestEvaluationInput(ctx context.Context, a *app, projectID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	var docs []evaluationDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("failed to parse input file: %w", err)
	}

	updates := a.engine.Subscribe(ctx, projectID)
	for _, doc := range docs {
		ticket, err := a.engine.Ingest(ctx, ingestion.Request{
			ProjectID:   projectID,
			DocumentRef: doc.DocumentRef,
			RawText:     doc.Content,
		})
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", doc.DocumentRef, err)
		}
		final, err := waitTerminal(ctx, updates, ticket.SessionID, func(progress.Update) {})
		if err != nil {
			return err
		}
		if final.Status == progress.StatusError {
			return fmt.Errorf("failed to ingest %s: %s", doc.DocumentRef, final.Error)
		}
	}
	return nil
}
