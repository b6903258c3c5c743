package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"livesync/internal/transport/socket"
)

func newPingCmd() *cobra.Command {
	var (
		network string
		address string
		token   string
		health  bool
		timeout time.Duration
		retries int
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check a running node over the socket transport",
		RunE: func(cmd *cobra.Command, _ []string) error {
			op := socket.OperationPing
			if health {
				op = socket.OperationHealth
			}
			var (
				resp *socket.SocketResponse
				err  error
			)
			for attempt := 0; attempt <= retries; attempt++ {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				resp, err = socket.DialAndRequest(ctx, network, address, &socket.SocketRequest{
					RequestId: uuid.NewString(),
					AuthToken: token,
					Operation: int32(op),
				})
				cancel()
				if err != nil || !socket.Retryable(resp.ErrorCode) {
					break
				}
				time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			}
			if err != nil {
				return err
			}
			if resp.ErrorCode != int32(socket.ErrorCodeOK) {
				return fmt.Errorf("request failed (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
			}
			out := cmd.OutOrStdout()
			switch {
			case resp.Health != nil:
				fmt.Fprintf(out, "ok=%t %s\n", resp.Health.Ok, resp.Health.Message)
			case resp.Pong != nil:
				fmt.Fprintf(out, "pong %s\n", time.Unix(0, resp.Pong.UnixTimeNs).UTC().Format(time.RFC3339Nano))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&network, "network", "tcp", "tcp or unix")
	f.StringVar(&address, "address", "127.0.0.1:7070", "socket address or unix socket path")
	f.StringVar(&token, "token", "", "bearer token")
	f.BoolVar(&health, "health", false, "request the store health instead of a pong")
	f.DurationVar(&timeout, "timeout", 3*time.Second, "per-attempt timeout")
	f.IntVar(&retries, "retries", 2, "retries while the node reports overload")
	return cmd
}
