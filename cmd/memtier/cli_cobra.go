package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/memtier/pkg/config"
	"github.com/dotsetgreg/memtier/pkg/memory"
)

func executeCLI() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return buildRootCommand().ExecuteContext(ctx)
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "memtier",
		Short: "Tiered memory store for agent applications",
		Long: strings.TrimSpace(`memtier keeps agent memory in three tiers (hot, archive, cold) and
serves confidence-gated retrieval with background lifecycle workers.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().String("config", "", "Path to config file (default ~/.memtier/config.json)")

	root.AddCommand(newInitCommand())
	root.AddCommand(newWriteCommand())
	root.AddCommand(newRetrieveCommand())
	root.AddCommand(newFlushCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newReplCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func getConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memtier", "config.json")
}

func openService(cmd *cobra.Command, background bool) (*memory.Service, *config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath(cmd))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	opts := cfg.ServiceOptions()
	opts.DisableBackground = !background
	svc, err := memory.NewService(opts)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Example: "  memtier init",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath(cmd)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("✓ Config written to %s\n", path)
			return nil
		},
	}
}

func newWriteCommand() *cobra.Command {
	var (
		owner      string
		session    string
		memType    string
		summary    string
		tags       []string
		confidence float64
		stability  float64
	)

	cmd := &cobra.Command{
		Use:   "write <content>",
		Short: "Store one memory item",
		Example: strings.Join([]string{
			`  memtier write --owner alice "Met Bob at the conference"`,
			`  memtier write --owner alice --type semantic --tags preference "Prefers dark mode"`,
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd, false)
			if err != nil {
				return err
			}
			defer svc.Close()

			item, err := svc.Write(cmd.Context(), memory.MemoryEvent{
				Owner:      owner,
				SessionKey: session,
				Type:       memory.MemoryType(memType),
				Content:    args[0],
				Summary:    summary,
				Tags:       tags,
				Confidence: confidence,
				Stability:  stability,
			})
			if err != nil {
				return err
			}
			fmt.Printf("✓ Stored %s item %s\n", item.Type, item.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner of the memory (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session key (working items)")
	cmd.Flags().StringVarP(&memType, "type", "t", "episodic", "Memory type: working|episodic|semantic|perceptual")
	cmd.Flags().StringVar(&summary, "summary", "", "Short summary kept hot after archiving")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.6, "Initial confidence [0,1]")
	cmd.Flags().Float64Var(&stability, "stability", 0.5, "Stability [0,1]")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func newRetrieveCommand() *cobra.Command {
	var (
		owner      string
		types      []string
		tags       []string
		exhaustive bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:     "retrieve <query>",
		Short:   "Run the tiered retrieval pipeline for a query",
		Example: `  memtier retrieve --owner alice "what does bob prefer"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd, false)
			if err != nil {
				return err
			}
			defer svc.Close()

			q := memory.MemoryQuery{
				Text:       args[0],
				Owner:      owner,
				Tags:       tags,
				Exhaustive: exhaustive,
			}
			for _, t := range types {
				q.Types = append(q.Types, memory.MemoryType(t))
			}

			bundle, err := svc.Retrieve(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				raw, _ := json.MarshalIndent(bundle, "", "  ")
				fmt.Println(string(raw))
				return nil
			}
			printBundle(bundle)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner of the memory (required)")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Restrict to memory types")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Require tags")
	cmd.Flags().BoolVar(&exhaustive, "exhaustive", false, "Always search the archive tier")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw bundle as JSON")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func printBundle(bundle memory.ContextBundle) {
	if len(bundle.Blocks) == 0 {
		fmt.Println("No memory matched.")
	}
	for i, block := range bundle.Blocks {
		fmt.Printf("%2d. [%s/%s] (%.3f) %s\n", i+1, block.Type, block.Tier, block.Score, block.Text)
	}
	tiers := make([]string, 0, len(bundle.UsedTiers))
	for _, t := range bundle.UsedTiers {
		tiers = append(tiers, string(t))
	}
	fmt.Printf("\nconfidence: %.3f  tiers: %s", bundle.Confidence.Total, strings.Join(tiers, ","))
	if bundle.Partial {
		fmt.Print("  (partial)")
	}
	fmt.Println()
	for _, w := range bundle.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func newFlushCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:     "flush",
		Short:   "Synchronously consolidate an owner's working memory",
		Example: "  memtier flush --owner alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd, false)
			if err != nil {
				return err
			}
			defer svc.Close()

			rep, err := svc.Flush(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Consolidated %d item(s), archived %d\n", rep.Consolidated, rep.Archived)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner to flush (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newRunCommand() *cobra.Command {
	var once bool
	var owner string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker daemon (scheduled lifecycle workers + job queue)",
		Example: strings.Join([]string{
			"  memtier run",
			"  memtier run --once --owner alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if once {
				svc, _, err := openService(cmd, false)
				if err != nil {
					return err
				}
				defer svc.Close()
				rep, err := svc.RunWorkersOnce(cmd.Context(), owner)
				if err != nil {
					return err
				}
				fmt.Printf("✓ consolidated=%d archived=%d rehydrated=%d expired=%d pruned=%d merged=%d\n",
					rep.Consolidated, rep.Archived, rep.Rehydrated,
					rep.Compaction.ExpiredWorking, rep.Compaction.PrunedTombstones, rep.Compaction.MergedItems)
				return nil
			}

			svc, _, err := openService(cmd, true)
			if err != nil {
				return err
			}
			fmt.Println("✓ Worker daemon started (Ctrl+C to stop)")
			<-cmd.Context().Done()
			fmt.Println("\nShutting down...")
			return svc.Close()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one deterministic worker cycle and exit")
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Restrict --once to one owner")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show tier populations and metric totals",
		Example: "  memtier stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd, false)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Owners: %s\n", strings.Join(stats.Owners, ", "))
			fmt.Println("Items by tier:")
			for _, tier := range []memory.Tier{memory.TierHot, memory.TierArchived, memory.TierCold} {
				fmt.Printf("  %-9s %d\n", tier, stats.ItemsByTier[tier])
			}
			if len(stats.Metrics) > 0 {
				fmt.Println("Metrics:")
				for name, total := range stats.Metrics {
					fmt.Printf("  %-28s %.0f\n", name, total)
				}
			}
			return nil
		},
	}
}

func newReplCommand() *cobra.Command {
	var owner, session string

	cmd := &cobra.Command{
		Use:     "repl",
		Short:   "Interactive loop: turns accumulate, queries retrieve",
		Example: "  memtier repl --owner alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd, true)
			if err != nil {
				return err
			}
			defer svc.Close()
			return runRepl(svc, owner, session)
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "repl:default", "Session key")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runRepl(svc *memory.Service, owner, session string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".memtier_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Commands: ?<query> retrieves, !flush consolidates, exit quits.")
	fmt.Println("Anything else is appended to working memory.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		switch {
		case strings.HasPrefix(input, "?"):
			bundle, err := svc.Retrieve(ctx, memory.MemoryQuery{
				Text:  strings.TrimSpace(input[1:]),
				Owner: owner,
			})
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				printBundle(bundle)
			}
		case input == "!flush":
			rep, err := svc.Flush(ctx, owner)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Printf("✓ Consolidated %d item(s)\n", rep.Consolidated)
			}
		default:
			if _, err := svc.Append(ctx, owner, session, input, ""); err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("✓ noted")
			}
		}
		cancel()
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
