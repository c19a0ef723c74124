package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/justinstimatze/undercity/internal/core"
)

var indexCmd = &cobra.Command{
	Use:   "index <path>...",
	Short: "Index files into the hybrid retrieval index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIndex,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a hybrid vector+keyword query against the retrieval index",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var searchLimit int

func init() {
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "max results")
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.retrieval == nil {
		return fmt.Errorf("retrieval index is not configured")
	}

	ctx := cmd.Context()

	total := countIndexableFiles(args)
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("indexing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	var indexed int
	for _, root := range args {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				if d.Name() == ".git" || d.Name() == ".undercity" || d.Name() == ".worktrees" {
					return filepath.SkipDir
				}
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			doc := core.Document{
				ID:        path,
				Source:    "filesystem",
				Title:     filepath.Base(path),
				FileHash:  contentHash(content),
				IndexedAt: time.Now(),
			}
			if err := rt.retrieval.IndexDocument(ctx, doc, string(content)); err != nil {
				return fmt.Errorf("indexing %s: %w", path, err)
			}
			indexed++
			_ = bar.Add(1)
			return nil
		})
		if err != nil {
			return err
		}
	}
	_ = bar.Finish()
	fmt.Printf("indexed %d document(s)\n", indexed)
	return nil
}

// countIndexableFiles pre-walks the roots to size the progress bar, skipping
// the same directories runIndex's main walk skips.
func countIndexableFiles(roots []string) int64 {
	var total int64
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if d.IsDir() {
				if d.Name() == ".git" || d.Name() == ".undercity" || d.Name() == ".worktrees" {
					return filepath.SkipDir
				}
				return nil
			}
			total++
			return nil
		})
	}
	return total
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.retrieval == nil {
		return fmt.Errorf("retrieval index is not configured")
	}

	opts := core.DefaultSearchOptions()
	opts.Limit = searchLimit
	opts.VectorWeight = cfg.Retrieval.VectorWeight
	opts.FTSWeight = cfg.Retrieval.FTSWeight

	results, err := rt.retrieval.Search(cmd.Context(), args[0], opts)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for _, r := range results {
		fmt.Printf("%.4f\t%s#%d\t%s\n", r.Score, r.Document.Title, r.Chunk.Sequence, truncate(r.Chunk.Content, 80))
	}
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
