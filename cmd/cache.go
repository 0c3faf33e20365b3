package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/cache"
	"github.com/sells-group/property-research/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune cached site content",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the age and validity of cached content for a property website",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		raw, _ := cmd.Flags().GetString("url")
		target, err := model.ParseTarget(raw)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := cacheStatus(ctx, st, target.Domain, cfg.Cache.TTL(), cfg.Cache.AutoReuse())
		if err != nil {
			return err
		}
		formatCacheStatus(os.Stdout, target.Domain, rows)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached content older than a cutoff",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = cfg.Cache.TTL()
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.PruneCache(ctx, olderThan)
		if err != nil {
			return eris.Wrap(err, "cache prune")
		}

		zap.L().Info("cache: pruned entries",
			zap.Int("deleted", n),
			zap.Duration("older_than", olderThan),
		)
		fmt.Fprintf(os.Stdout, "Deleted %d cache entries older than %s.\n", n, olderThan)
		return nil
	},
}

func init() {
	cacheStatusCmd.Flags().String("url", "", "property website URL (required)")
	_ = cacheStatusCmd.MarkFlagRequired("url")
	cachePruneCmd.Flags().Duration("older-than", 0, "age cutoff (default cache TTL)")

	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

// cacheRow describes one (domain, kind) entry.
type cacheRow struct {
	Kind      model.ContentKind
	Present   bool
	Age       time.Duration
	Valid     bool
	AutoReuse bool
}

// cacheStatus reports every content kind for domain. Validity mirrors the
// staleness engine: valid below ttl, reused unattended below autoReuse.
func cacheStatus(ctx context.Context, ages cache.AgeReader, domain string, ttl, autoReuse time.Duration) ([]cacheRow, error) {
	kinds := []model.ContentKind{model.ContentPages, model.ContentPlaces}
	rows := make([]cacheRow, 0, len(kinds))
	for _, k := range kinds {
		age, ok, err := ages.CacheAge(ctx, domain, k)
		if err != nil {
			return nil, eris.Wrapf(err, "cache status %s/%s", domain, k)
		}
		row := cacheRow{Kind: k, Present: ok}
		if ok {
			row.Age = age
			row.Valid = age < ttl
			row.AutoReuse = age < autoReuse
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func formatCacheStatus(out io.Writer, domain string, rows []cacheRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Domain:\t%s\n", domain)
	_, _ = fmt.Fprintln(w, "KIND\tAGE\tVALID\tAUTO_REUSE")
	for _, r := range rows {
		if !r.Present {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\n", r.Kind)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", r.Kind, r.Age.Round(time.Second), r.Valid, r.AutoReuse)
	}
	_ = w.Flush()
}
