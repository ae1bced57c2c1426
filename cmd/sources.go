package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/orchestrator"
)

func newSourcesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			batch := orchestrator.Config{
				DefaultTimeout: root.cfg.Batch.DefaultTimeout,
				KindTimeouts:   root.cfg.Batch.KindTimeouts,
			}
			if len(batch.KindTimeouts) == 0 {
				batch.KindTimeouts = orchestrator.DefaultKindTimeouts()
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tDRIVER\tKINDS\tTIMEOUT\tENTRY")
			for _, src := range root.cfg.Sources {
				timeout := batch.TimeoutFor(orchestrator.Job{ID: src.ID, Source: src})
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					src.ID, src.Driver, kindList(src), timeout, strings.Join(src.EntryURLs, ","))
			}
			return tw.Flush()
		},
	}
}

func kindList(src crawler.SourceConfig) string {
	seen := make(map[crawler.RecordKind]bool)
	var kinds []string
	add := func(k crawler.RecordKind) {
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, string(k))
		}
	}
	for _, k := range src.Kinds {
		add(k)
	}
	for _, r := range src.Rules {
		add(r.Kind)
	}
	return strings.Join(kinds, ",")
}
