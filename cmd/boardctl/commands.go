package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/board"
	"prism-board/client"
	"prism-board/domain"
)

type options struct {
	api     string
	token   string
	timeout time.Duration
	debug   bool
}

func (o *options) client() *client.Client {
	c := client.New(o.api, o.token)
	c.HTTP.Timeout = o.timeout
	return c
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "boardctl",
		Short:        "Inspect and rearrange your board",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if o.debug {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&o.api, "api", envOr("BOARD_API_URL", "http://localhost:8080"), "board API base URL")
	root.PersistentFlags().StringVar(&o.token, "token", os.Getenv("BOARD_TOKEN"), "bearer token")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&o.debug, "debug", false, "enable debug logging")

	root.AddCommand(newListCmd(o), newAddCmd(o), newMoveCmd(o), newRmCmd(o), newTokenCmd())
	return root
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the board lane by lane",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := o.client().FetchTasks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderBoard(tasks))
			return nil
		},
	}
}

func newAddCmd(o *options) *cobra.Command {
	var (
		status   string
		notes    string
		priority int
		due      string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Append a task to the end of a lane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStatus(status)
			if err != nil {
				return err
			}
			nt := domain.NewTask{Title: args[0], Notes: notes, Priority: priority, Status: st}
			if due != "" {
				d, err := time.Parse(time.DateOnly, due)
				if err != nil {
					return fmt.Errorf("invalid --due: %w", err)
				}
				nt.DueDate = &d
			}
			t, err := o.client().CreateTask(cmd.Context(), nt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s in %s at %d\n", t.ID, t.Status, t.OrderIndex)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.Backlog.String(), "lane to add the task to")
	cmd.Flags().StringVar(&notes, "notes", "", "task notes")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	return cmd
}

func newMoveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <status> <index>",
		Short: "Move a task to a position in a lane",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			idx, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[2])
			}
			return runMove(cmd.Context(), cmd, o.client(), domain.Move{TaskID: args[0], Status: st, OrderIndex: idx})
		},
	}
}

// runMove shows the optimistic board right away, then the reconciled one once
// the server answers.
func runMove(ctx context.Context, cmd *cobra.Command, c *client.Client, m domain.Move) error {
	tasks, err := c.FetchTasks(ctx)
	if err != nil {
		return err
	}
	s := board.NewSession(c, tasks, board.WithLogger(log.StandardLogger()))
	done, err := s.Move(ctx, m)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderBoard(s.Tasks()))

	res := <-done
	s.Wait()
	switch res.Outcome {
	case domain.CommitApplied:
		fmt.Fprintln(out, "saved")
		return nil
	case domain.CommitConflict:
		fmt.Fprintln(out, "board changed on the server; showing latest")
		fmt.Fprintln(out, renderBoard(s.Tasks()))
		return res.Err
	default:
		fmt.Fprintln(out, "move failed; board restored")
		fmt.Fprintln(out, renderBoard(s.Tasks()))
		return res.Err
	}
}

func newRmCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <task-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.client().DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
