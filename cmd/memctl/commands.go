package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lexlapax/engram/pkg/cogmem"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mmu"
	"github.com/lexlapax/engram/pkg/portable"
	"github.com/spf13/cobra"
)

var (
	viewLimit     int
	viewThreshold float64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every record to stdout as newline-delimited JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			rows, err := client.MMU.Export(ctx)
			if err != nil {
				return err
			}
			return writeRows(cmd.OutOrStdout(), rows)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load newline-delimited JSON records; use - for stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			n, err := importFile(ctx, client.MMU, args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", n)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-category analytics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			stats, err := client.MMU.GetAnalytics(ctx, time.Time{})
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), stats)
		})
	},
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "List records at or above the expiry threshold, most relevant first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			items, err := client.MMU.GetActive(ctx, viewOptions())
			if err != nil {
				return err
			}
			return printMemories(cmd.OutOrStdout(), items)
		})
	},
}

var expiredCmd = &cobra.Command{
	Use:   "expired",
	Short: "List records below the expiry threshold, cleanup candidates first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			items, err := client.MMU.GetExpired(ctx, viewOptions())
			if err != nil {
				return err
			}
			return printMemories(cmd.OutOrStdout(), items)
		})
	},
}

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "List episodic records waiting for reflection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			records, err := client.Reflection.Due(ctx, time.Now())
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), records)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{activeCmd, expiredCmd} {
		cmd.Flags().IntVarP(&viewLimit, "limit", "n", 0, "Maximum number of entries (0 for all)")
		cmd.Flags().Float64Var(&viewThreshold, "threshold", 0, "Expiry threshold (0 uses the configured one)")
	}
	rootCmd.AddCommand(exportCmd, importCmd, statsCmd, activeCmd, expiredCmd, dueCmd)
}

func viewOptions() mmu.ActiveOptions {
	return mmu.ActiveOptions{Threshold: viewThreshold, Limit: viewLimit}
}

// importFile reads rows from path, or from stdin when path is "-".
func importFile(ctx context.Context, m mmu.MMU, path string, stdin io.Reader) (int, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	rows, err := readRows(r)
	if err != nil {
		return 0, err
	}
	n, err := m.Import(ctx, rows)
	if err != nil {
		return n, err
	}
	log.InfoContext(ctx, "Import finished", "rows", len(rows), "imported", n)
	return n, nil
}

// writeRows encodes one portable map per line.
func writeRows(w io.Writer, rows []portable.Map) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to write record %s: %w", row[portable.KeyID], err)
		}
	}
	return nil
}

// maxLine bounds a single NDJSON row; record content can be large.
const maxLine = 16 << 20

// readRows decodes newline-delimited portable maps, skipping blank lines.
func readRows(r io.Reader) ([]portable.Map, error) {
	var rows []portable.Map

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row portable.Map
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return rows, nil
}

func printMemories(w io.Writer, items []ltm.ActiveMemory) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tBASE\tCURRENT\tSCORE\tCLEANUP\tCONTENT")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%.3f\t%t\t%s\n",
			item.Record.ID, item.Record.Category, item.Record.BaseImportance,
			item.CurrentImportance, item.DecayScore, item.ShouldCleanup,
			preview(item.Record.Content))
	}
	return tw.Flush()
}

func printRecords(w io.Writer, records []ltm.MemoryRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tCREATED\tREFLECTIONS\tCONTENT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Category, r.CreatedAt.Format(time.RFC3339), r.ReflectionCount, preview(r.Content))
	}
	return tw.Flush()
}

func printStats(w io.Writer, stats []ltm.CategoryStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tCOUNT\tAVG BASE\tAVG SCORE")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.3f\n", s.Category, s.Count, s.AvgBaseImportance, s.AvgDecayScore)
	}
	return tw.Flush()
}

func printRecord(w io.Writer, r *ltm.MemoryRecord) {
	fmt.Fprintf(w, "ID:               %s\n", r.ID)
	fmt.Fprintf(w, "Category:         %s", r.Category)
	if r.LegacyCategory != "" {
		fmt.Fprintf(w, " (%s)", r.LegacyCategory)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Created:          %s\n", r.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Last accessed:    %s (%d accesses)\n", r.LastAccessed.Format(time.RFC3339Nano), r.AccessCount)
	fmt.Fprintf(w, "Base importance:  %d\n", r.BaseImportance)
	fmt.Fprintf(w, "Importance decay: %.4f\n", r.ImportanceDecay)
	fmt.Fprintf(w, "Decay lambda:     %.4f\n", r.DecayLambda)
	fmt.Fprintf(w, "Reflections:      %d", r.ReflectionCount)
	if r.LastReflection != nil {
		fmt.Fprintf(w, " (last %s)", r.LastReflection.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	if r.SourceMemories.Len() > 0 {
		fmt.Fprintf(w, "Sources:          %s\n", strings.Join(r.SourceMemories.Sorted(), ", "))
	}
	if r.DerivedMemories.Len() > 0 {
		fmt.Fprintf(w, "Derived:          %s\n", strings.Join(r.DerivedMemories.Sorted(), ", "))
	}
	fmt.Fprintf(w, "Content:          %s\n", r.Content)
}

func printRelationships(w io.Writer, rels []ltm.RelationshipDetail) {
	if len(rels) == 0 {
		fmt.Fprintln(w, "no relationships")
		return
	}
	for _, rel := range rels {
		fmt.Fprintf(w, "%s  %s  %s <- [%s]  confidence=%.2f\n",
			rel.ID, rel.Type, rel.DerivedID, strings.Join(rel.SourceIDs, ", "), rel.Confidence)
	}
}

// preview shortens content to a single table-friendly line.
func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	const width = 60
	if r := []rune(content); len(r) > width {
		return string(r[:width-3]) + "..."
	}
	return content
}
