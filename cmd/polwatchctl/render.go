package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/models"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func itoa(n int) string { return strconv.Itoa(n) }

func renderCollection(r *ingestion.CollectionResult) string {
	platforms := make([]models.Platform, 0, len(r.PerSource))
	for p := range r.PerSource {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	rows := make([][]string, 0, len(platforms))
	for _, p := range platforms {
		s := r.PerSource[p]
		rows = append(rows, []string{string(p), itoa(s.Fetched), itoa(s.Duplicates), itoa(s.Staged)})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cluster %s (%s): %d collected, %d processed in %s\n",
		r.ClusterName, r.ClusterID, r.PostsCollected, r.PostsProcessed,
		r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
	b.WriteString(renderTable(
		[]string{"Source", "Fetched", "Duplicates", "Staged"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
	))
	if len(r.Errors) > 0 {
		b.WriteString("\n")
		b.WriteString(renderErrors(r.Errors))
	}
	return b.String()
}

func renderAggregate(r *ingestion.AggregateResult) string {
	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		rows = append(rows, []string{
			res.ClusterID,
			res.ClusterName,
			itoa(res.PostsCollected),
			itoa(res.PostsProcessed),
			itoa(len(res.Errors)),
		})
	}
	rows = append(rows, []string{"total", "", itoa(r.PostsCollected), itoa(r.PostsProcessed), itoa(len(r.Errors))})

	var b strings.Builder
	fmt.Fprintf(&b, "%d cluster(s) collected\n", r.Clusters)
	b.WriteString(renderTable(
		[]string{"Cluster", "Name", "Collected", "Processed", "Errors"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	if len(r.Errors) > 0 {
		b.WriteString("\n")
		b.WriteString(renderErrors(r.Errors))
	}
	return b.String()
}

func renderErrors(errs []ingestion.CollectionError) string {
	rows := make([][]string, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, []string{e.ClusterID, string(e.Source), e.Kind, e.Message})
	}
	return renderTable([]string{"Cluster", "Source", "Kind", "Message"}, rows, nil)
}

func renderBacklog(r *ingestion.BacklogResult) string {
	rows := [][]string{
		{"batches", itoa(r.Batches)},
		{"processed", itoa(r.Processed)},
		{"saved", itoa(r.Saved)},
		{"skipped", itoa(r.Skipped)},
		{"failed", itoa(r.Failed)},
		{"degraded", itoa(r.Degraded)},
		{"released", itoa(r.Released)},
		{"errors", itoa(r.ErrorsCount)},
	}
	return renderTable([]string{"Backlog", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}

func renderStatus(s *ingestion.Status) string {
	rows := [][]string{
		{"clusters", "total", itoa(s.Clusters.Total)},
		{"clusters", "active", itoa(s.Clusters.Active)},
	}
	for _, st := range []models.EnvelopeStatus{
		models.EnvelopeStatusPending,
		models.EnvelopeStatusProcessing,
		models.EnvelopeStatusCompleted,
		models.EnvelopeStatusFailed,
		models.EnvelopeStatusSkipped,
	} {
		rows = append(rows, []string{"backlog", string(st), itoa(s.Backlog[st])})
	}
	for _, p := range models.AllPlatforms() {
		rows = append(rows, []string{"posts", string(p), itoa(s.PostsByPlatform[p])})
	}
	for _, l := range []models.SentimentLabel{models.SentimentPositive, models.SentimentNeutral, models.SentimentNegative} {
		rows = append(rows, []string{"sentiment", strings.ToLower(string(l)), itoa(s.PostsBySentiment[l])})
	}
	rows = append(rows, []string{"posts", "total", itoa(s.TotalPosts)})

	var b strings.Builder
	b.WriteString(renderTable([]string{"Section", "Key", "Count"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "\nunavailable: %s", e)
	}
	return b.String()
}
