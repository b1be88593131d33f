package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-beamkv/internal/logger"
	"github.com/23skdu/longbow-beamkv/internal/snapshot"
)

func newShipCmd(a *app) *cobra.Command {
	var (
		host    string
		port    int
		steps   int
		session string
	)
	cmd := &cobra.Command{
		Use:   "ship",
		Short: "Run a session and send its cache snapshot to a collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.capture(cmd, session, steps)
			if err != nil {
				return err
			}
			client := snapshot.NewFlightClient(host, port)
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			defer client.Close()
			if err := client.Ship(cmd.Context(), snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shipped session %s step %d: %d rows\n", snap.Session, snap.Step, len(snap.Rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "Collector host")
	cmd.Flags().IntVar(&port, "port", snapshot.DefaultPort, "Collector port")
	cmd.Flags().IntVar(&steps, "steps", 8, "Decode steps before the snapshot")
	cmd.Flags().StringVar(&session, "session", "local", "Session name stored in the snapshot")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var (
		host string
		port int
		out  string
	)
	cmd := &cobra.Command{
		Use:   "fetch SESSION",
		Short: "Read back the latest snapshot a collector holds for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := snapshot.NewFlightClient(host, port)
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			defer client.Close()
			snap, err := client.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := snap.Verify(); err != nil {
				return fmt.Errorf("session %q: %w", args[0], err)
			}
			if out == "" {
				printSnapshot(cmd.OutOrStdout(), snap)
				return nil
			}
			return writeSnapshot(cmd.OutOrStdout(), out, snap)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "Collector host")
	cmd.Flags().IntVar(&port, "port", snapshot.DefaultPort, "Collector port")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the snapshot to this file instead of printing it")
	return cmd
}

func newCollectCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Serve a Flight collector that keeps the latest snapshot per session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := snapshot.NewCollector()
			out := cmd.OutOrStdout()
			c.OnPut(func(s *snapshot.Snapshot) {
				fmt.Fprintf(out, "session=%s step=%d layout=%s rows=%d bytes=%d\n",
					s.Session, s.Step, s.Layout, len(s.Rows), s.Bytes())
			})
			srv, err := snapshot.Serve(c, listen)
			if err != nil {
				return err
			}
			defer srv.Shutdown()
			logger.Log.Info("collector listening", "addr", srv.Addr().String())

			<-cmd.Context().Done()
			fmt.Fprintf(cmd.OutOrStdout(), "received %d snapshots\n", c.Received())
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", net.JoinHostPort("", strconv.Itoa(snapshot.DefaultPort)), "Listen address")
	return cmd
}
