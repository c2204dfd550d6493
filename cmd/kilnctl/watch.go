package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/layout"
	watchpkg "github.com/kilnforge/kiln/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Tail events.jsonl for an artifact directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	d := layout.New(args[0])
	notifier := watchpkg.New(d.Internal(), 2*time.Second, true)
	defer notifier.Close()

	var offset int64
	out := cmd.OutOrStdout()
	for {
		f, err := os.Open(d.EventsPath())
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			notifier.Wait()
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			fmt.Fprintln(out, scanner.Text())
			offset += int64(len(scanner.Bytes())) + 1
		}
		f.Close()
		notifier.Wait()
	}
}
