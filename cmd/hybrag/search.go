package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/query"
)

func (c *cli) searchCmd() *cobra.Command {
	var (
		req    query.Request
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search photos by text or by example",
		Long: `Search embeds the query text (expanded through the synonym table) or an
existing item's photo and returns the nearest photos, optionally restricted
to one building and an inclusive shot-date range.

Examples:
  hybrag search excavator --building A
  hybrag search --item 6f1c... --from 2024-06-01 --to 2024-06-30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req.Query = strings.Join(args, " ")
			svc, err := c.app.Query(ctx)
			if err != nil {
				return err
			}
			ans, err := svc.Search(ctx, req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(ans)
			}
			return printAnswer(c.out, ans)
		},
	}
	cmd.Flags().StringVar(&req.ItemID, "item", "", "search by the photo of this catalog item")
	cmd.Flags().StringVar(&req.Filters.Building, "building", "", "only this building; also boosts matching results")
	cmd.Flags().StringVar(&req.Filters.DateFrom, "from", "", "earliest shot date (inclusive)")
	cmd.Flags().StringVar(&req.Filters.DateTo, "to", "", "latest shot date (inclusive)")
	cmd.Flags().IntVarP(&req.TopK, "top-k", "k", 0, "number of results (default from config)")
	cmd.Flags().StringVar(&req.Namespace, "namespace", "", "namespace to search (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer as JSON")
	return cmd
}

func printAnswer(w io.Writer, ans *query.Answer) error {
	if len(ans.Terms) > 0 {
		fmt.Fprintf(w, "terms: %s\n", strings.Join(ans.Terms, ", "))
	}
	if len(ans.Results) == 0 {
		_, err := fmt.Fprintln(w, "no results")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tID\tBUILDING\tSHOT DATE\tREF")
	for _, r := range ans.Results {
		ref, _ := r.Metadata[domain.MetaImageURL].(string)
		if ref == "" {
			ref, _ = r.Metadata[domain.MetaS3Key].(string)
		}
		date, _ := r.Metadata[domain.MetaShotDate].(string)
		fmt.Fprintf(tw, "%.4f\t%s\t%s\t%s\t%s\n", r.Score, r.ID, r.Building(), date, ref)
	}
	return tw.Flush()
}
