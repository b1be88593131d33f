package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-beamkv/internal/snapshot"
)

// capture runs one session for steps decode steps and snapshots its cache.
func (a *app) capture(cmd *cobra.Command, session string, steps int) (*snapshot.Snapshot, error) {
	d, err := a.openDecoder(a.flags.seed)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	if err := d.session.Run(cmd.Context(), steps, nil); err != nil {
		return nil, err
	}
	return snapshot.Capture(d.ctx, d.session.Cache(), session, int64(d.session.Steps()))
}

func newSnapshotCmd(a *app) *cobra.Command {
	var (
		steps   int
		out     string
		session string
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Run a session and write its cache as an Arrow IPC stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.capture(cmd, session, steps)
			if err != nil {
				return err
			}
			return writeSnapshot(cmd.OutOrStdout(), out, snap)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 8, "Decode steps before the snapshot")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file")
	cmd.Flags().StringVar(&session, "session", "local", "Session name stored in the snapshot")
	cmd.MarkFlagRequired("out")
	return cmd
}

// writeSnapshot stores snap as an Arrow IPC stream at path.
func writeSnapshot(w io.Writer, path string, snap *snapshot.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := snapshot.WriteIPC(f, snap); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s: %d rows, %d bytes\n", path, len(snap.Rows), snap.Bytes())
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Verify and summarize a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			snaps, err := snapshot.ReadIPC(f)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				if err := s.Verify(); err != nil {
					return fmt.Errorf("session %q: %w", s.Session, err)
				}
				printSnapshot(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func printSnapshot(w io.Writer, s *snapshot.Snapshot) {
	fmt.Fprintf(w, "session=%s step=%d layout=%s rows=%d bytes=%d\n", s.Session, s.Step, s.Layout, len(s.Rows), s.Bytes())
	for _, r := range s.Rows {
		fmt.Fprintf(w, "  %-28s layer=%d %-11s beam=%d seq=%d %s %016x\n",
			r.Name, r.Layer, r.Role, r.Beam, r.SeqLen, r.DType, r.Checksum)
	}
}
