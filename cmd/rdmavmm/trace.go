package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vrdma/internal/debug"
)

type traceOptions struct {
	source string
	match  string
	limit  int
	tail   bool
	list   bool
}

func newTraceCmd() *cobra.Command {
	var opts traceOptions
	cmd := &cobra.Command{
		Use:   "trace FILE",
		Short: "Print a binary trace log written with --trace-file",
		Long: `Print the records of a trace log, one per line:

  TIMESTAMP [SOURCE] MESSAGE

Examples:
  rdmavmm trace vm.trace
  rdmavmm trace --source '^virtio-rdma' vm.trace
  rdmavmm trace --match 'status=err' --tail --limit 20 vm.trace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return printTrace(cmd.OutOrStdout(), f, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.source, "source", "", "only show records whose source matches this regex")
	flags.StringVar(&opts.match, "match", "", "only show records whose message matches this regex")
	flags.IntVar(&opts.limit, "limit", 0, "maximum number of records to print (0 for unlimited)")
	flags.BoolVar(&opts.tail, "tail", false, "print the last records instead of the first")
	flags.BoolVar(&opts.list, "list", false, "list the distinct sources instead of records")
	return cmd
}

func printTrace(w io.Writer, r io.ReaderAt, opts traceOptions) error {
	var sourceRe, matchRe *regexp.Regexp
	var err error
	if opts.source != "" {
		if sourceRe, err = regexp.Compile(opts.source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if opts.match != "" {
		if matchRe, err = regexp.Compile(opts.match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var entries []debug.Entry
	seen := make(map[string]bool)
	if err := debug.Each(r, func(e debug.Entry) error {
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return nil
		}
		if matchRe != nil && !matchRe.Match(e.Data) {
			return nil
		}
		if opts.list {
			if !seen[e.Source] {
				seen[e.Source] = true
				fmt.Fprintln(w, e.Source)
			}
			return nil
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	if opts.limit > 0 && len(entries) > opts.limit {
		if opts.tail {
			entries = entries[len(entries)-opts.limit:]
		} else {
			entries = entries[:opts.limit]
		}
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s [%s] %s\n", e.Time.UTC().Format(time.RFC3339Nano), e.Source, formatData(e))
	}
	return nil
}

func formatData(e debug.Entry) string {
	if e.Kind == debug.KindBytes {
		return hex.EncodeToString(e.Data)
	}
	return string(e.Data)
}
