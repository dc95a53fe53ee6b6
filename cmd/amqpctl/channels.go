package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericogr/amqp-client/pkg/amqp"
)

func channelsCmd(g *globals) *cobra.Command {
	var (
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Open channels concurrently, report their ids and close them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}
			s, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			opened, failures := openChannels(ctx, s.conn, count)
			for _, err := range failures {
				s.log.Error().Err(err).Msg("open channel")
			}

			ids := make([]int, 0, len(opened))
			for _, ch := range opened {
				ids = append(ids, int(ch.ID()))
			}
			sort.Ints(ids)
			fmt.Printf("opened %d/%d channels: %v\n", len(opened), count, ids)

			for _, ch := range opened {
				if err := ch.CloseContext(ctx); err != nil {
					s.log.Warn().Err(err).Uint16("chan", ch.ID()).Msg("close channel")
				}
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d channels failed to open", len(failures))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 8, "number of channels to open")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout for opening and closing")

	return cmd
}

func openChannels(ctx context.Context, conn *amqp.Connection, n int) ([]*amqp.Channel, []error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		opened   []*amqp.Channel
		failures []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := conn.OpenChannel(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			opened = append(opened, ch)
		}()
	}
	wg.Wait()
	return opened, failures
}
