package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentengine/internal/stats"
	"github.com/nextlevelbuilder/agentengine/internal/store"
)

func activitiesCmd() *cobra.Command {
	var (
		jsonOutput bool
		agentID    string
		limit      int
		offset     int
		hours      int
	)
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Show recorded activation cycles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.Query{AgentID: agentID, Limit: limit, Offset: offset}
			if cmd.Flags().Changed("hours") {
				since, err := store.HoursAgo(time.Now(), hours)
				if err != nil {
					return err
				}
				q.Since = since
			}
			q, err := q.Normalize()
			if err != nil {
				return err
			}

			_, st, err := loadStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printRecords(records, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "max records (1-1000)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().IntVar(&hours, "hours", 0, "only the last N hours")
	return cmd
}

func printRecords(records []store.CycleRecord, jsonOutput bool) error {
	if jsonOutput {
		if records == nil {
			records = []store.CycleRecord{}
		}
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No activity recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tCYCLE\tTIME\tTOOLS\tTOKENS\tRESPONSE\tSTATUS")
	for _, r := range records {
		text := r.ResponseText
		if r.Status != store.StatusSuccess {
			text = r.ErrorMessage
			if text == "" {
				text = r.Metadata[store.MetaRateLimitDetail]
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			r.ID,
			truncateStr(r.AgentName, 20),
			r.CycleNumber,
			r.Timestamp.Local().Format(time.DateTime),
			len(r.ToolCalls),
			r.Usage.Tokens,
			truncateStr(text, 50),
			styleStatus(r.Status),
		)
	}
	return tw.Flush()
}

func statsCmd() *cobra.Command {
	var (
		jsonOutput bool
		days       int
	)
	cmd := &cobra.Command{
		Use:   "stats <agent_id>",
		Short: "Summarize an agent's cycles over the last N days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stats.ValidateWindow(days); err != nil {
				return err
			}
			_, st, err := loadStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := stats.Compute(cmd.Context(), st, args[0], days, time.Now())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(s)
			}
			printStats(s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&days, "days", stats.DefaultWindowDays, "window in days (1-365)")
	return cmd
}

func printStats(s stats.Stats) {
	name := s.AgentName
	if name == "" {
		name = s.AgentID
	}
	fmt.Println(styleBold.Render(fmt.Sprintf("%s (last %d days)", name, s.PeriodDays)))

	rows := []struct{ label, value string }{
		{"Cycles", strconv.Itoa(s.TotalCycles)},
		{"Successful", styleGreen.Render(strconv.Itoa(s.SuccessfulCycles))},
		{"Errors", styleRed.Render(strconv.Itoa(s.ErrorCycles))},
		{"Rate limited", styleYellow.Render(strconv.Itoa(s.RateLimitCycles))},
		{"Tool calls", strconv.Itoa(s.TotalToolCalls)},
		{"Tokens", strconv.Itoa(s.TotalTokens)},
		{"Avg tokens/cycle", strconv.FormatFloat(s.AvgTokensPerCycle, 'f', 2, 64)},
	}
	for _, r := range rows {
		fmt.Printf("  %-18s %s\n", r.label+":", r.value)
	}
}
