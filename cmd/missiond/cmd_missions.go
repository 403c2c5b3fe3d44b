package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"missionlab/internal/domain"
	"missionlab/internal/orchestrator"
	"missionlab/internal/report"
)

var (
	runDocuments []string
	runUser      string
	runFormat    string
	runQuiet     bool

	reportFormat string
	reportWidth  int
	reportOut    string

	optimizeUser string
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Run a research mission to completion and print its report",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		mission, err := a.coordinator.CreateMission(ctx, orchestrator.CreateMissionInput{
			UserID:      firstNonEmpty(runUser, cfg.Server.DefaultUserID),
			Query:       strings.Join(args, " "),
			DocumentIDs: runDocuments,
		})
		if err != nil {
			return err
		}

		var wg sync.WaitGroup
		if !runQuiet {
			events, unsubscribe := a.bus.Subscribe(mission.ID)
			defer func() {
				unsubscribe()
				wg.Wait()
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				for evt := range events {
					printProgress(cmd.ErrOrStderr(), evt)
				}
			}()
		}

		result, err := a.coordinator.ExecuteResearchWorkflow(ctx, mission.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "mission %s %s in %s (%d research, %d writing iterations)\n",
			result.MissionID, strings.ToLower(string(result.Status)), result.Elapsed.Round(time.Millisecond),
			result.Research.Iterations, result.Writing.Iterations)

		format, err := report.ParseFormat(runFormat)
		if err != nil {
			return err
		}
		return writeReport(cmd, a, mission.ID, format, 0, "")
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <mission-id>",
	Short: "Render the latest draft of a mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := report.ParseFormat(reportFormat)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		return writeReport(cmd, a, args[0], format, reportWidth, reportOut)
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize [module]",
	Short: "Evolve prompts for one module, or for every agent when none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		var out any
		if len(args) == 1 {
			session, err := a.optimizer.OptimizeModule(ctx, firstNonEmpty(optimizeUser, cfg.Server.DefaultUserID), args[0])
			if err != nil {
				return err
			}
			out = session
		} else {
			out = a.coordinator.OptimizeAllAgents(ctx)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runDocuments, "document", nil, "document ids the mission may research")
	runCmd.Flags().StringVar(&runUser, "user", "", "user id owning the mission")
	runCmd.Flags().StringVar(&runFormat, "format", "terminal", "report format: markdown, html or terminal")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print progress events")

	reportCmd.Flags().StringVar(&reportFormat, "format", "markdown", "report format: markdown, html or terminal")
	reportCmd.Flags().IntVar(&reportWidth, "width", 0, "wrap width for terminal output")
	reportCmd.Flags().StringVarP(&reportOut, "output", "o", "", "write the report to a file instead of stdout")

	optimizeCmd.Flags().StringVar(&optimizeUser, "user", "", "user id owning the optimization session")
}

func writeReport(cmd *cobra.Command, a *app, missionID string, format report.Format, width int, outPath string) error {
	ctx := cmd.Context()
	draft, err := a.coordinator.GetDraft(ctx, missionID)
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	findings, err := a.coordinator.ListFindings(ctx, missionID)
	if err != nil {
		return err
	}
	out, err := report.Render(report.Compose(draft, findings), format, report.Options{Width: width})
	if err != nil {
		return err
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, out, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", outPath)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func printProgress(w io.Writer, evt domain.ProgressEvent) {
	switch {
	case strings.HasPrefix(evt.Kind, "mission."):
		var u domain.MissionUpdate
		if err := json.Unmarshal(evt.Payload, &u); err != nil {
			return
		}
		if u.Type == "heartbeat" {
			return
		}
		fmt.Fprintf(w, "[%s] %s %s %s\n", evt.CreatedAt.Format("15:04:05"), u.Type, firstNonEmpty(string(u.Phase), string(u.Status)), u.Message)
	case strings.HasPrefix(evt.Kind, "agent."):
		var u domain.AgentUpdate
		if err := json.Unmarshal(evt.Payload, &u); err != nil {
			return
		}
		fmt.Fprintf(w, "[%s]   %s %s #%d %s\n", evt.CreatedAt.Format("15:04:05"), strings.ToLower(string(u.Role)), strings.ToLower(string(u.Status)), u.Iteration, u.Message)
	}
}
