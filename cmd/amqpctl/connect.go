package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/spf13/cobra"
)

func connectCmd(g *globals) *cobra.Command {
	var hold bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect and print the negotiated parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			conn := s.conn
			fmt.Printf("connection   %s\n", conn.Name())
			fmt.Printf("frame-max    %d\n", conn.FrameMax())
			fmt.Printf("channel-max  %d\n", conn.ChannelMax())
			fmt.Printf("heartbeat    %s\n", conn.Heartbeat())

			props := conn.ServerProperties()
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("server.%-22s %v\n", k, props[k])
			}

			if !hold {
				return nil
			}
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			defer signal.Stop(sig)
			s.log.Info().Msg("holding connection open, interrupt to close")
			select {
			case <-sig:
			case <-conn.Done():
				return conn.Err()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&hold, "hold", false, "keep the connection open until interrupted")

	return cmd
}
