package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/models"
)

func parseSources(raw []string) ([]models.Platform, error) {
	out := make([]models.Platform, 0, len(raw))
	for _, s := range raw {
		p, err := models.ParsePlatform(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func newCollectCommand(ctx *commandContext) *cobra.Command {
	var (
		sources      []string
		enrichInline bool
	)
	cmd := &cobra.Command{
		Use:   "collect <cluster-id>",
		Short: "Collect one cluster now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platforms, err := parseSources(sources)
			if err != nil {
				return err
			}
			return ctx.withPipeline(cmd.Context(), cmd.ErrOrStderr(), func(svc pipelineService) error {
				result, err := svc.CollectCluster(cmd.Context(), ingestion.CollectRequest{
					ClusterID:    args[0],
					Sources:      platforms,
					EnrichInline: enrichInline,
				})
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCollection(result))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "Restrict to these sources (twitter,youtube,facebook,news)")
	cmd.Flags().BoolVar(&enrichInline, "enrich", false, "Enrich staged items before returning")
	return cmd
}

func newCollectAllCommand(ctx *commandContext) *cobra.Command {
	var (
		clusterType  string
		sources      []string
		enrichInline bool
	)
	cmd := &cobra.Command{
		Use:   "collect-all",
		Short: "Collect every active cluster now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			platforms, err := parseSources(sources)
			if err != nil {
				return err
			}
			ct := models.ClusterType(clusterType)
			switch ct {
			case "", models.ClusterTypeOwn, models.ClusterTypeCompetitor:
			default:
				return fmt.Errorf("unknown cluster type %q", clusterType)
			}
			return ctx.withPipeline(cmd.Context(), cmd.ErrOrStderr(), func(svc pipelineService) error {
				result, err := svc.CollectAllActiveClusters(cmd.Context(), ingestion.CollectAllRequest{
					ClusterType:  ct,
					Sources:      platforms,
					EnrichInline: enrichInline,
				})
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderAggregate(result))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&clusterType, "type", "", "Only clusters of this type (own, competitor)")
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "Restrict to these sources")
	cmd.Flags().BoolVar(&enrichInline, "enrich", false, "Enrich staged items before returning")
	return cmd
}

func newBacklogCommand(ctx *commandContext) *cobra.Command {
	var (
		limit      int
		maxBatches int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Enrich pending envelopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 || maxBatches < 0 || timeout < 0 {
				return errors.New("limit, max-batches and timeout must not be negative")
			}
			req := ingestion.BacklogRequest{Limit: limit, MaxBatches: maxBatches}
			if timeout > 0 {
				req.Deadline = time.Now().Add(timeout)
			}
			return ctx.withPipeline(cmd.Context(), cmd.ErrOrStderr(), func(svc pipelineService) error {
				result, err := svc.ProcessBacklog(cmd.Context(), req)
				if result != nil {
					if ctx.json {
						if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
							return werr
						}
					} else {
						fmt.Fprintln(cmd.OutOrStdout(), renderBacklog(result))
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Envelopes per batch (0 uses the configured size)")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "Batches to run (0 uses the configured maximum)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop starting new enrichments after this long")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster, backlog and post counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd.Context(), cmd.ErrOrStderr(), func(svc pipelineService) error {
				status := svc.GetStatus(cmd.Context())
				if ctx.json {
					return writeJSON(cmd.OutOrStdout(), status)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
				return nil
			})
		},
	}
}

func newRequeueFailedCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "requeue-failed",
		Short: "Move failed envelopes back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("limit must be positive")
			}
			return ctx.withPipeline(cmd.Context(), cmd.ErrOrStderr(), func(svc pipelineService) error {
				n, err := svc.RequeueFailed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"requeued": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed envelope(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum envelopes to requeue")
	return cmd
}
