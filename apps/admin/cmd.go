package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trezcool/kanisa/apps/shared"
	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/checkin"
	"github.com/trezcool/kanisa/core/roster"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db        *sql.DB
	store     roster.Store
	mailSvc   core.EmailService
	templates *core.Templates
	clock     core.Clock
	conf      *core.Config
	logger    core.Logger
	out       io.Writer

	svcs shared.Services
}

// services wires the attendance services, honoring the --date flag.
func (cli *commandLine) services(date string) error {
	clock := cli.clock
	if date != "" {
		loc, _ := cli.conf.Location()
		day, err := time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "date", Error: "must be formatted as YYYY-MM-DD"})
		}
		clock = core.FixedClock(day.Add(12 * time.Hour))
	}
	cli.svcs = shared.NewServices(cli.store, cli.mailSvc, cli.templates, clock, cli.conf, cli.logger)
	return nil
}

func (cli *commandLine) rootCmd() *cobra.Command {
	var date string

	root := &cobra.Command{
		Use:   "admin",
		Short: "Kanisa administration",
		Long: `Administer the attendance database: run migrations, check people in
or out of a session and inspect the live roster and counters.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.services(date)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			cli.flush(cmd.Context())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errHelp
		},
	}
	root.PersistentFlags().StringVar(&date, "date", "", "Attendance day (YYYY-MM-DD); defaults to today")

	root.AddCommand(
		cli.migrateCmd(),
		cli.checkinCmd(),
		cli.undoCmd(),
		cli.statusCmd(),
		cli.statsCmd(),
		cli.rosterCmd(),
	)
	return root
}

func (cli *commandLine) run(args []string) error {
	root := cli.rootCmd()
	root.SetOut(cli.out)
	root.SetErr(cli.out)
	if len(args) > 0 {
		args = args[1:] // drop program name
	}
	root.SetArgs(args)

	ctx, cancel := withTimeout(cli.conf)
	defer cancel()
	return root.ExecuteContext(ctx)
}

// flush sends the notifications queued by a batch mode check-in.
func (cli *commandLine) flush(ctx context.Context) {
	d := cli.svcs.Dispatcher
	if d == nil || !d.Batch() {
		return
	}
	if sent, failed := d.Flush(context.WithoutCancel(ctx), nil); sent+failed > 0 {
		cli.logger.Info(fmt.Sprintf("notifications: %d sent, %d failed", sent, failed))
	}
}

func (cli *commandLine) checkinCmd() *cobra.Command {
	var req checkin.Request

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Check a person in to a session and notify them or their guardians",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.report(cmd, cli.svcs.Checkin.CheckIn(cmd.Context(), req))
		},
	}
	cmd.Flags().IntVar(&req.PersonID, "person", 0, "Person id")
	cmd.Flags().IntVar(&req.SessionID, "session", 0, "Session id")
	cmd.Flags().StringVar(&req.PersonName, "name", "", "Name used in the notification; looked up when empty")
	cmd.Flags().StringVar(&req.NotificationTemplate, "template", "", "Notification template, or none")
	return cmd
}

func (cli *commandLine) undoCmd() *cobra.Command {
	var req checkin.UndoRequest

	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Undo today's check-in of a person",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.report(cmd, cli.svcs.Checkin.Undo(cmd.Context(), req))
		},
	}
	cmd.Flags().IntVar(&req.PersonID, "person", 0, "Person id")
	cmd.Flags().IntVar(&req.SessionID, "session", 0, "Session id")
	return cmd
}

// report prints resp and turns a failure into an error.
func (cli *commandLine) report(cmd *cobra.Command, resp checkin.Response) error {
	if err := cli.printYAML(cmd, resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Reason)
	}
	return nil
}

func (cli *commandLine) statusCmd() *cobra.Command {
	var personID, sessionID int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Tell whether a person is checked in to a session today",
		RunE: func(cmd *cobra.Command, args []string) error {
			present, err := cli.svcs.Engine.IsPresentToday(cmd.Context(), personID, sessionID)
			if err != nil {
				return err
			}
			return cli.printYAML(cmd, map[string]interface{}{
				"person_id":  personID,
				"session_id": sessionID,
				"present":    present,
			})
		},
	}
	cmd.Flags().IntVar(&personID, "person", 0, "Person id")
	cmd.Flags().IntVar(&sessionID, "session", 0, "Session id")
	return cmd
}

func (cli *commandLine) statsCmd() *cobra.Command {
	var sessionIDs []int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the live counters of the given sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := cli.svcs.Roster.ComputeStats(cmd.Context(), sessionIDs)
			if err != nil {
				return err
			}
			return cli.printYAML(cmd, map[string]int{
				"present_count":     stats.PresentCount,
				"not_present_count": stats.NotPresentCount,
				"total_count":       stats.TotalCount,
			})
		},
	}
	cmd.Flags().IntSliceVar(&sessionIDs, "session", nil, "Session ids (repeat or comma separate)")
	return cmd
}

func (cli *commandLine) rosterCmd() *cobra.Command {
	var req roster.PageRequest

	cmd := &cobra.Command{
		Use:   "roster",
		Short: "List one page of the roster of the given sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := req.Validate(cli.svcs.Validate, cli.svcs.Translator); err != nil {
				return err
			}
			page, err := cli.svcs.Roster.Page(cmd.Context(), req)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tBALANCE")
			for _, p := range page.People {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%.2f\n", p.ID, p.DisplayName, float64(p.BalanceCents)/100)
			}
			if err = w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d of %d\n", page.Page, len(page.People), page.TotalCount)
			return err
		},
	}
	cmd.Flags().IntSliceVar(&req.SessionIDs, "session", nil, "Session ids (repeat or comma separate)")
	cmd.Flags().IntVar(&req.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&req.PageSize, "page-size", 0, "Page size; 0 uses the default")
	cmd.Flags().StringVar(&req.Alpha, "alpha", "", "Last name initial or range, e.g. A-F")
	cmd.Flags().StringVar(&req.Search, "search", "", "Search term")
	cmd.Flags().StringVar(&req.View, "view", roster.ViewPending, "pending or present")
	return cmd
}

func (cli *commandLine) printYAML(cmd *cobra.Command, v interface{}) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encoding output")
	}
	return enc.Close()
}

// withTimeout bounds a whole command run.
func withTimeout(conf *core.Config) (context.Context, context.CancelFunc) {
	timeout := conf.Attendance.FlushTimeout + conf.Attendance.StoreTimeout
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
