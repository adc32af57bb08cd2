package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/lidar.relay/internal/lidar/manifest"
)

func runRuns(args []string, stdout io.Writer) error {
	fs := newFlagSet("runs")
	dbPath := fs.String("manifest", "exports.db", "SQLite manifest database")
	limit := fs.Int("limit", 20, "Number of runs to list (0 for all)")
	runID := fs.String("run", "", "Show the frames of one run")
	deleteID := fs.String("delete", "", "Delete one run and its frame records (files are kept)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *runID != "" && *deleteID != "" {
		return fmt.Errorf("%w: runs: -run and -delete are exclusive", errUsage)
	}

	store, err := manifest.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *deleteID != "" {
		if err := store.DeleteRun(*deleteID); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted run %s\n", *deleteID)
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if *runID != "" {
		frames, err := store.Frames(*runID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tSOURCE\tEXPORTED\tPATH")
		for _, f := range frames {
			fmt.Fprintf(tw, "%d\t%.6f\t%d\t%d\t%s\n", f.Seq, f.Timestamp, f.SourcePoints, f.Points, f.Path)
		}
		return nil
	}

	runs, err := store.ListRuns(*limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tEXPORTED\tEMPTY\tPOINTS\tSOURCE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Status, r.Exported, r.Empty, r.Points, r.Source)
	}
	return nil
}
