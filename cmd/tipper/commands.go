package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/siherrmann/tipper/core/analyzer"
	"github.com/siherrmann/tipper/core/pipeline"
	"github.com/siherrmann/tipper/model"
	"github.com/spf13/cobra"
)

func extractCMD() *cobra.Command {
	var file string
	var extract = &cobra.Command{
		Use:   "extract [text]",
		Short: "Print the entities found in a tipper",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(file, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pipeline.NewEntityExtractor().Extract(text))
		},
	}
	extract.Flags().StringVarP(&file, "file", "f", "", "read the tipper from a file, - for stdin")
	return extract
}

func indexCMD(cfgPath *string) *cobra.Command {
	var file string
	var index = &cobra.Command{
		Use:   "index",
		Short: "Add tickets from a JSON array to the tipper history",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file, nil)
			if err != nil {
				return err
			}
			var tickets []*model.Ticket
			if err := json.Unmarshal([]byte(raw), &tickets); err != nil {
				return fmt.Errorf("decode tickets: %w", err)
			}

			tp, err := open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer tp.Close()

			count, err := tp.IndexTippers(cmd.Context(), tickets...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d tickets\n", count)
			return nil
		},
	}
	index.Flags().StringVarP(&file, "file", "f", "-", "tickets file, - for stdin")
	return index
}

func searchCMD(cfgPath *string) *cobra.Command {
	var k int
	var inRules bool
	var search = &cobra.Command{
		Use:   "search <query>",
		Short: "Search the tipper history or the detection rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tp, err := open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer tp.Close()

			query := strings.Join(args, " ")
			var results []*model.SimilarityResult
			if inRules {
				results, err = tp.SearchRules(cmd.Context(), query, k)
			} else {
				results, err = tp.SearchTippers(cmd.Context(), query, k)
			}
			if err != nil {
				return err
			}
			for _, result := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %-7s  %s  %s\n", result.Score, result.Method, result.Document.ID, result.Document.Name)
			}
			return nil
		},
	}
	search.Flags().IntVarP(&k, "top", "k", 10, "number of results")
	search.Flags().BoolVar(&inRules, "rules", false, "search detection rules instead of tippers")
	return search
}

func rulesCMD(cfgPath *string) *cobra.Command {
	var rules = &cobra.Command{
		Use:   "rules",
		Short: "Manage the detection rules catalog",
	}

	var rebuild bool
	var sync = &cobra.Command{
		Use:   "sync",
		Short: "Fetch rules from all platforms, update the cache and publish the rules index",
		RunE: func(cmd *cobra.Command, args []string) error {
			tp, err := open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer tp.Close()

			report, err := tp.SyncRules(cmd.Context(), rebuild)
			if report != nil {
				if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	sync.Flags().BoolVar(&rebuild, "rebuild", false, "delete the rules index before publishing")

	rules.AddCommand(sync)
	return rules
}

func analyzeCMD(cfgPath *string) *cobra.Command {
	var file, title, format string
	var analyze = &cobra.Command{
		Use:   "analyze [text]",
		Short: "Analyze how novel a tipper is compared to the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(file, args)
			if err != nil {
				return err
			}

			tp, err := open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer tp.Close()

			analysis, err := tp.AnalyzeText(cmd.Context(), title, text)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return printJSON(cmd.OutOrStdout(), analysis)
			case "html":
				html, err := analyzer.RenderForTicket(analysis)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), html)
				return nil
			default:
				fmt.Fprint(cmd.OutOrStdout(), analyzer.RenderForChat(analysis))
				return nil
			}
		},
	}
	analyze.Flags().StringVarP(&file, "file", "f", "", "read the tipper from a file, - for stdin")
	analyze.Flags().StringVarP(&title, "title", "t", "", "tipper title")
	analyze.Flags().StringVarP(&format, "output", "o", "text", "output format: text, json or html")
	return analyze
}

func huntCMD(cfgPath *string) *cobra.Command {
	var file string
	var lookback time.Duration
	var sources, types []string
	var hunt = &cobra.Command{
		Use:   "hunt [text]",
		Short: "Hunt for the indicators of a tipper across all telemetry sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(file, args)
			if err != nil {
				return err
			}

			tp, err := open(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer tp.Close()

			opts := tp.HuntOptions()
			if lookback > 0 {
				opts.Lookback = lookback
			}
			opts.Sources = sources
			for _, t := range types {
				opts.Types = append(opts.Types, model.IOCType(strings.ToLower(t)))
			}
			opts.OnSourceComplete = func(result *model.ToolHuntResult) {
				fmt.Fprintf(os.Stderr, "%s: %d hits in %s, errors: %d\n", result.Source, result.TotalHits, result.Duration.Round(time.Millisecond), len(result.Errors))
			}

			result, err := tp.HuntText(cmd.Context(), text, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	hunt.Flags().StringVarP(&file, "file", "f", "", "read the tipper from a file, - for stdin")
	hunt.Flags().DurationVar(&lookback, "lookback", 0, "how far back to search (default from config)")
	hunt.Flags().StringSliceVar(&sources, "sources", nil, "only hunt in these sources")
	hunt.Flags().StringSliceVar(&types, "types", nil, "only hunt for these IOC types")
	return hunt
}
