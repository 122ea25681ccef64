// Package main prints the semwire frames recorded in a pcap file, such as one
// written by semwire --capture.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/semwire/capture"
)

type dumpOptions struct {
	port        int
	stream      int32
	summaryOnly bool
}

func newRootCmd() *cobra.Command {
	opts := &dumpOptions{}
	cmd := &cobra.Command{
		Use:   "semwire-dump <file.pcap>",
		Short: "Decode semwire frames from a pcap capture",
		Long: `semwire-dump reads a pcap file and prints every semwire frame it carries:
data, pad and heartbeat frames, setups, status messages and naks.

Datagrams that are not well formed semwire traffic are reported as invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runDump(ctx, args[0], opts, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "only datagrams to or from this UDP port")
	cmd.Flags().Int32VarP(&opts.stream, "stream", "s", 0, "only frames of this stream id")
	cmd.Flags().BoolVar(&opts.summaryOnly, "summary", false, "print only the frame counts")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDump(ctx context.Context, path string, opts *dumpOptions, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	var readerOpts []capture.Option
	if opts.port != 0 {
		readerOpts = append(readerOpts, capture.WithPort(opts.port))
	}
	if opts.stream != 0 {
		readerOpts = append(readerOpts, capture.WithStream(opts.stream))
	}
	r, err := capture.NewReader(f, readerOpts...)
	if err != nil {
		return err
	}

	summary, err := r.ForEach(ctx, func(p capture.Packet) error {
		if opts.summaryOnly {
			return nil
		}
		_, err := fmt.Fprintf(out, "#%d %s %s -> %s %d bytes\n", p.Index,
			p.Timestamp.Format("15:04:05.000000"), p.Source, p.Destination, p.Length)
		if err != nil {
			return err
		}
		for _, frame := range p.Frames {
			if _, err := fmt.Fprintf(out, "    %s\n", frame); err != nil {
				return err
			}
		}
		if p.Err != nil {
			_, err = fmt.Fprintf(out, "    invalid: %v\n", p.Err)
		}
		return err
	})
	if err != nil {
		return err
	}
	return printSummary(out, summary)
}

func printSummary(out io.Writer, s capture.Summary) error {
	names := make([]string, 0, len(s.Frames))
	for name := range s.Frames {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := fmt.Fprintf(out, "packets: %d invalid: %d\n", s.Packets, s.Invalid); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(out, "  %-10s %d\n", name, s.Frames[name]); err != nil {
			return err
		}
	}
	return nil
}
