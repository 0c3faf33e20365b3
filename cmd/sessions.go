package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/resume"
	"github.com/sells-group/property-research/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect extraction sessions",
	Long:  "Commands for listing and viewing extraction sessions and the steps still missing for a property.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		domain, _ := cmd.Flags().GetString("domain")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Status: model.SessionStatus(status),
			Domain: domain,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the full record of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}
		return writeSession(os.Stdout, sess)
	},
}

// -- sessions missing --

var sessionsMissingCmd = &cobra.Command{
	Use:   "missing",
	Short: "List the steps with no stored data for a property website",
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

		prop, err := st.FindPropertyByURL(ctx, target.URL)
		if err != nil {
			return eris.Wrap(err, "sessions missing")
		}
		missing, err := resume.NewDiffer(st).Missing(ctx, prop, model.CanonicalKinds())
		if err != nil {
			return eris.Wrap(err, "sessions missing")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(missingReport{URL: target.URL, Missing: missing})
	},
}

type missingReport struct {
	URL     string           `json:"url"`
	Missing []model.StepKind `json:"missing"`
}

func init() {
	sessionsListCmd.Flags().String("status", "", "filter by status (started, in_progress, cache_prompt, completed, failed)")
	sessionsListCmd.Flags().String("domain", "", "filter by property domain")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsMissingCmd.Flags().String("url", "", "property website URL (required)")
	_ = sessionsMissingCmd.MarkFlagRequired("url")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsMissingCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, sessions []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOMAIN\tSTATUS\tSTEPS\tERRORS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-----\t------\t-------\t--------")

	for _, s := range sessions {
		domain := s.Domain
		if domain == "" {
			domain = s.Target
		}
		if len(domain) > 30 {
			domain = domain[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(s.ID),
			domain,
			s.Status,
			stepProgress(s),
			len(s.Errors),
			s.CreatedAt.Format("2006-01-02 15:04"),
			sessionDuration(s),
		)
	}
	_ = w.Flush()
}

// stepProgress renders completed/requested, e.g. "3/8".
func stepProgress(s model.Session) string {
	total := len(s.RequestedSteps)
	if total == 0 {
		total = len(model.CanonicalKinds())
	}
	return fmt.Sprintf("%d/%d", len(s.CompletedSteps), total)
}

func sessionDuration(s model.Session) string {
	if s.FinishedAt == nil {
		return "-"
	}
	return s.FinishedAt.Sub(s.CreatedAt).Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinSteps(kinds []model.StepKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
