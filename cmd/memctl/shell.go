package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lexlapax/engram/pkg/cogmem"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mmu"
	"github.com/lexlapax/engram/pkg/reflection"
	"github.com/peterh/liner"
)

// Shell commands
const (
	cmdHelp        = "!help"
	cmdQuit        = "!quit"
	cmdCreate      = "!create"
	cmdShow        = "!show"
	cmdAccess      = "!access"
	cmdLink        = "!link"
	cmdRels        = "!rels"
	cmdDue         = "!due"
	cmdConsolidate = "!consolidate"
	cmdActive      = "!active"
	cmdExpired     = "!expired"
	cmdStats       = "!stats"
	cmdExport      = "!export"
	cmdImport      = "!import"
	cmdConfig      = "!config"
)

var shellCommands = []string{
	cmdHelp, cmdQuit, cmdCreate, cmdShow, cmdAccess, cmdLink, cmdRels, cmdDue,
	cmdConsolidate, cmdActive, cmdExpired, cmdStats, cmdExport, cmdImport, cmdConfig,
}

const helpText = `
memctl shell - Command Reference:
---------------------------------
!create <category> <importance> <text>         - Store a record (importance 0-10)
!show <id>                                     - Show a record and count the access
!access <id>                                   - Count an access without showing
!link <derived> <src,src,...> [type] [conf]    - Link derived to its sources
!rels <id>                                     - Show the links a record takes part in
!due                                           - List episodic records due for reflection
!consolidate <importance> <src,src,...> <text> - Store a semantic summary of the sources
!active [n]                                    - List active records, most relevant first
!expired [n]                                   - List cleanup candidates
!stats                                         - Show per-category analytics
!export <file>                                 - Write all records as NDJSON
!import <file>                                 - Load NDJSON records
!config                                        - Show the current configuration
!quit                                          - Exit

Notes:
- Text without a command is stored as an episodic record of importance 5
- Tab completion is available for commands
- Use up/down arrows for command history`

// historyFile is the file where command history is stored
const historyFile = ".memctl_history"

// defaultImportance applies to plain text entered at the prompt.
const defaultImportance = 5

func runShell(ctx context.Context, client *cogmem.Client) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(false)
	line.SetCompleter(func(input string) (c []string) {
		for _, cmd := range shellCommands {
			if strings.HasPrefix(cmd, input) {
				c = append(c, cmd)
			}
		}
		return
	})

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println("\n=== engram memctl ===")
	fmt.Println("Store:", client.Config().Store.Type)
	fmt.Println("Type !help for available commands.")

	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := line.Prompt("engram> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := execute(ctx, client, os.Stdout, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		if quit {
			fmt.Println("Goodbye!")
			return nil
		}
	}
}

// execute runs one shell line and reports whether the shell should exit.
func execute(ctx context.Context, client *cogmem.Client, w io.Writer, input string) (bool, error) {
	if !strings.HasPrefix(input, "!") {
		r, err := client.MMU.CreateRecord(ctx, input, string(ltm.CategoryEpisodic), defaultImportance)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "stored %s\n", r.ID)
		return false, nil
	}

	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case cmdHelp:
		fmt.Fprintln(w, helpText)

	case cmdQuit:
		return true, nil

	case cmdCreate:
		if len(args) < 3 {
			return false, usage(cmdCreate, "<category> <importance> <text>")
		}
		importance, err := strconv.Atoi(args[1])
		if err != nil {
			return false, fmt.Errorf("importance must be an integer: %q", args[1])
		}
		r, err := client.MMU.CreateRecord(ctx, strings.Join(args[2:], " "), args[0], importance)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "stored %s (%s)\n", r.ID, r.Category)

	case cmdShow:
		if len(args) != 1 {
			return false, usage(cmdShow, "<id>")
		}
		if err := client.MMU.RecordAccess(ctx, args[0]); err != nil {
			return false, err
		}
		r, err := client.MMU.GetRecord(ctx, args[0])
		if err != nil {
			return false, err
		}
		printRecord(w, r)

	case cmdAccess:
		if len(args) != 1 {
			return false, usage(cmdAccess, "<id>")
		}
		if err := client.MMU.RecordAccess(ctx, args[0]); err != nil {
			return false, err
		}
		fmt.Fprintln(w, "ok")

	case cmdLink:
		if len(args) < 2 || len(args) > 4 {
			return false, usage(cmdLink, "<derived> <src,src,...> [type] [confidence]")
		}
		req := ltm.LinkRequest{
			DerivedID:  args[0],
			SourceIDs:  splitIDs(args[1]),
			Confidence: 1,
		}
		if len(args) > 2 {
			req.Type = ltm.RelationshipType(args[2])
		}
		if len(args) > 3 {
			c, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return false, fmt.Errorf("confidence must be a number: %q", args[3])
			}
			req.Confidence = c
		}
		linkID, err := client.MMU.Link(ctx, req)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "linked %s\n", linkID)

	case cmdRels:
		if len(args) != 1 {
			return false, usage(cmdRels, "<id>")
		}
		rels, err := client.MMU.RelationshipsFor(ctx, args[0])
		if err != nil {
			return false, err
		}
		printRelationships(w, rels)

	case cmdDue:
		records, err := client.Reflection.Due(ctx, time.Now())
		if err != nil {
			return false, err
		}
		return false, printRecords(w, records)

	case cmdConsolidate:
		if len(args) < 3 {
			return false, usage(cmdConsolidate, "<importance> <src,src,...> <text>")
		}
		importance, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("importance must be an integer: %q", args[0])
		}
		res, err := client.Reflection.Consolidate(ctx, reflection.Outcome{
			Content:        strings.Join(args[2:], " "),
			BaseImportance: importance,
			SourceIDs:      splitIDs(args[1]),
			Confidence:     1,
			Metadata:       map[string]any{"origin": "memctl"},
		})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "stored %s, link %s, reflected %d sources\n", res.Derived.ID, res.LinkID, len(res.Reflected))

	case cmdActive, cmdExpired:
		opts := mmu.ActiveOptions{}
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return false, fmt.Errorf("limit must be an integer: %q", args[0])
			}
			opts.Limit = n
		}
		view := client.MMU.GetActive
		if cmd == cmdExpired {
			view = client.MMU.GetExpired
		}
		items, err := view(ctx, opts)
		if err != nil {
			return false, err
		}
		return false, printMemories(w, items)

	case cmdStats:
		stats, err := client.MMU.GetAnalytics(ctx, time.Time{})
		if err != nil {
			return false, err
		}
		return false, printStats(w, stats)

	case cmdExport:
		if len(args) != 1 {
			return false, usage(cmdExport, "<file>")
		}
		rows, err := client.MMU.Export(ctx)
		if err != nil {
			return false, err
		}
		f, err := os.Create(args[0])
		if err != nil {
			return false, err
		}
		if err := writeRows(f, rows); err != nil {
			f.Close()
			return false, err
		}
		if err := f.Close(); err != nil {
			return false, err
		}
		fmt.Fprintf(w, "exported %d records to %s\n", len(rows), args[0])

	case cmdImport:
		if len(args) != 1 {
			return false, usage(cmdImport, "<file>")
		}
		n, err := importFile(ctx, client.MMU, args[0], os.Stdin)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "imported %d records\n", n)

	case cmdConfig:
		cfg := client.Config()
		fmt.Fprintf(w, "Store Type:          %s\n", cfg.Store.Type)
		fmt.Fprintf(w, "Expiry Threshold:    %.3f\n", cfg.Decay.ExpiryThreshold)
		fmt.Fprintf(w, "Reflection Interval: %.1f days\n", cfg.Decay.ReflectionIntervalDays)
		fmt.Fprintf(w, "Reflection Factor:   %.2f\n", cfg.Reflection.ImportanceDecayFactor)
		fmt.Fprintf(w, "Metrics Enabled:     %t\n", cfg.Metrics.Enabled)
		fmt.Fprintf(w, "Log Level:           %s\n", cfg.Logging.Level)

	default:
		return false, fmt.Errorf("unknown command: %s (type !help for available commands)", cmd)
	}
	return false, nil
}

func usage(cmd, args string) error {
	return fmt.Errorf("usage: %s %s", cmd, args)
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
