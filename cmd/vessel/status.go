package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"vessel/internal/memory"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory, deadline and audit-trail summaries",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	now := time.Now()

	fmt.Printf("data dir: %s\n", a.cfg.Memory.DataDir)
	fmt.Printf("contacts: %d\n", len(a.store.Contacts()))

	deadlines := a.store.Deadlines()
	active := 0
	for _, d := range deadlines {
		if d.Status == memory.DeadlineActive {
			active++
		}
	}
	fmt.Printf("deadlines: %d (%d active)\n", len(deadlines), active)
	for _, d := range a.store.UpcomingDeadlines(now, 28*24*time.Hour) {
		fmt.Printf("  %-30s due %s  %3d%%  phase %s\n",
			d.Title, d.DueDate.Format("2006-01-02"), d.ProgressPercent(), d.Phase(now))
	}

	fmt.Printf("journal entries: %d\n", len(a.store.JournalEntries()))

	ids := memory.QuestionnaireIDs()
	sort.Strings(ids)
	for _, id := range ids {
		rows, err := a.trail.AssessmentHistory(id, 5)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Printf("assessments (%s):\n", id)
		for _, row := range rows {
			fmt.Printf("  %s  %2d/%d  %s\n",
				row.Timestamp.Format("2006-01-02"), row.Score, row.MaxScore, row.Trend)
		}
	}

	counts, err := a.trail.CountByKind()
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Println("audit trail:")
		for _, k := range kinds {
			fmt.Printf("  %-10s %d\n", k, counts[k])
		}
	}
	return nil
}
