package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/property-research/internal/model"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run an extraction session for a single property website",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		flags, err := runFlagsFrom(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("url")

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Orchestrator.Run(ctx, target, flags)
		if err != nil {
			return eris.Wrapf(err, "extract %s", target)
		}

		logSession("extraction finished", sess)
		return writeSession(os.Stdout, sess)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Run only the steps with no stored data for a property website",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		flags, err := runFlagsFrom(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("url")

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Orchestrator.ResumeSync(ctx, target, flags)
		if err != nil {
			return eris.Wrapf(err, "resume %s", target)
		}

		logSession("resume finished", sess)
		return writeSession(os.Stdout, sess)
	},
}

func init() {
	addRunFlags(extractCmd)
	addRunFlags(resumeCmd)
	extractCmd.Flags().StringSlice("steps", nil, "steps to run (default all): "+joinSteps(model.CanonicalKinds()))

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(resumeCmd)
}

func addRunFlags(c *cobra.Command) {
	c.Flags().String("url", "", "property website URL (required)")
	c.Flags().String("use-cache", "auto", "cached content policy: auto, true or false")
	c.Flags().Bool("force-refresh", false, "ignore cached content and fetch everything fresh")
	c.Flags().Bool("interactive", false, "stop with a cache prompt instead of deciding automatically")
	_ = c.MarkFlagRequired("url")
}

// runFlagsFrom reads the run flags shared by extract and resume.
func runFlagsFrom(cmd *cobra.Command) (model.RunFlags, error) {
	var flags model.RunFlags

	raw, _ := cmd.Flags().GetString("use-cache")
	uc, err := model.ParseUseCache(raw)
	if err != nil {
		return flags, err
	}
	flags.UseCache = uc
	flags.ForceRefresh, _ = cmd.Flags().GetBool("force-refresh")
	flags.Interactive, _ = cmd.Flags().GetBool("interactive")

	if cmd.Flags().Lookup("steps") != nil {
		names, _ := cmd.Flags().GetStringSlice("steps")
		if len(names) > 0 {
			kinds, err := model.ParseStepKinds(names)
			if err != nil {
				return flags, err
			}
			flags.RequestedSteps = kinds
		}
	}
	return flags, nil
}

func logSession(msg string, sess *model.Session) {
	zap.L().Info(msg,
		zap.String("session_id", sess.ID),
		zap.String("target", sess.Target),
		zap.String("status", string(sess.Status)),
		zap.Int("completed_steps", len(sess.CompletedSteps)),
		zap.Int("errors", len(sess.Errors)),
	)
}

func writeSession(w io.Writer, sess *model.Session) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}
