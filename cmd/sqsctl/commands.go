package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mmatesqs "github.com/glimte/mmate-sqs"
	"github.com/glimte/mmate-sqs/config"
	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/health"
	"github.com/glimte/mmate-sqs/messaging"
	"github.com/glimte/mmate-sqs/metrics"
	"github.com/glimte/mmate-sqs/schema"
	sqsTransport "github.com/glimte/mmate-sqs/transports/sqs"
)

// app holds global flags and how clients are created
type app struct {
	configPath string
	region     string
	endpoint   string
	verbose    bool
	summary    bool

	// extra options applied to every client
	clientOptions []mmatesqs.ClientOption

	// set with --metrics-summary
	collector *metrics.MemoryCollector
}

func newApp() *app {
	return &app{}
}

// connect creates a client for queue. An empty queue creates a send-only client.
// Queues are only created by the create command.
func (a *app) connect(ctx context.Context, queue string) (*mmatesqs.Client, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	cfg.InputQueue = queue
	if a.region != "" {
		cfg.Region = a.region
	}
	if a.endpoint != "" {
		cfg.Endpoint = a.endpoint
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}

	noCreate := false
	cfg.Transport.CreateQueues = &noCreate

	return mmatesqs.NewClientFromConfig(ctx, cfg, a.clientOptions...)
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sqsctl",
		Short: "Manage mmate SQS queues",
		Long: `sqsctl creates, inspects and drains the SQS queues used by mmate services.
Messages are read and written in the mmate envelope format.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.summary {
				a.collector = metrics.NewMemoryCollector()
				a.clientOptions = append(a.clientOptions,
					mmatesqs.WithTransportOptions(sqsTransport.WithMetrics(a.collector)))
			}
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.collector == nil {
				return nil
			}
			data, err := json.MarshalIndent(a.collector.Summary(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&a.region, "region", "", "AWS region")
	rootCmd.PersistentFlags().StringVar(&a.endpoint, "endpoint", "", "SQS endpoint URL, e.g. http://localhost:4566")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&a.summary, "metrics-summary", false, "Print transport call counts and latencies when the command ends")

	rootCmd.AddCommand(
		a.createCommand(),
		a.purgeCommand(),
		a.deleteCommand(),
		a.sendCommand(),
		a.receiveCommand(),
		a.statsCommand(),
		a.healthCommand(),
		a.serveCommand(),
		a.validateCommand(),
	)
	return rootCmd
}

func (a *app) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <queue>...",
		Short: "Create queues",
		Long:  "Create queues with the configured lease duration as visibility timeout. Names ending in .fifo create FIFO queues.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.connect(ctx, "")
			if err != nil {
				return err
			}
			defer client.Close()

			for _, queue := range args {
				if err := client.Transport().CreateQueue(ctx, queue); err != nil {
					return fmt.Errorf("failed to create queue %s: %w", queue, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", queue)
			}
			return nil
		},
	}
}

func (a *app) purgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete all visible messages of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.Transport().Purge(ctx)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d messages from %s\n", n, args[0])
			return nil
		},
	}
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <queue>",
		Short: "Delete a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.connect(ctx, "")
			if err != nil {
				return err
			}
			defer client.Close()

			transport, err := sqsTransport.NewTransport(args[0],
				sqsTransport.WithClient(client.SQS()),
				sqsTransport.WithCreateQueues(false),
			)
			if err != nil {
				return err
			}
			if err := transport.DeleteQueue(ctx); err != nil {
				return fmt.Errorf("failed to delete %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) sendCommand() *cobra.Command {
	var (
		headers []string
		delay   time.Duration
		ttl     time.Duration
		count   int
		msgType string
	)

	cmd := &cobra.Command{
		Use:   "send <queue> <body>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if delay > 0 {
				h[contracts.HeaderDeferredUntil] = contracts.FormatTime(time.Now().Add(delay))
			}
			if ttl > 0 {
				h[contracts.HeaderTimeToBeReceived] = ttl.String()
			}
			if msgType != "" {
				h[contracts.HeaderMessageType] = msgType
			}

			client, err := a.connect(ctx, "")
			if err != nil {
				return err
			}
			defer client.Close()

			uow := messaging.NewUnitOfWork()
			defer uow.Dispose()

			var ids []string
			for i := 0; i < count; i++ {
				msg := contracts.NewTransportMessage(h, []byte(args[1]))
				if err := client.Transport().Send(ctx, uow, args[0], msg); err != nil {
					return err
				}
				ids = append(ids, msg.GetID())
			}
			if err := uow.Commit(ctx); err != nil {
				return fmt.Errorf("failed to send to %s: %w", args[0], err)
			}

			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Message header as key=value (repeatable)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Deliver the message after this delay")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to be received")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to send")
	cmd.Flags().StringVarP(&msgType, "type", "t", "", "Message type header")
	return cmd
}

func (a *app) receiveCommand() *cobra.Command {
	var (
		count int
		keep  bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "receive <queue>",
		Short: "Receive and print messages",
		Long:  "Receive up to --count messages. Messages are deleted unless --keep is set, in which case they are released when the command ends.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a.clientOptions = append(a.clientOptions,
				mmatesqs.WithTransportOptions(sqsTransport.WithReceiveWaitTime(wait)))

			client, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			// kept messages stay leased until the loop ends
			var kept []*messaging.UnitOfWork
			defer func() {
				for _, uow := range kept {
					uow.Dispose()
				}
			}()

			received := 0
			for received < count {
				uow := messaging.NewUnitOfWork()
				msg, err := client.Transport().Receive(ctx, uow)
				if err != nil || msg == nil {
					uow.Dispose()
					if err != nil {
						return err
					}
					break
				}
				received++
				printMessage(cmd.OutOrStdout(), msg)

				if keep {
					kept = append(kept, uow)
					continue
				}
				err = uow.Commit(ctx)
				uow.Dispose()
				if err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "received %d messages\n", received)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Maximum number of messages")
	cmd.Flags().BoolVar(&keep, "keep", false, "Release messages instead of deleting them")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Long polling wait per receive (max 20s)")
	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>...",
		Short: "Show approximate message counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "%-40s %-10s %-10s %-10s\n", "Name", "Visible", "InFlight", "Delayed")
			fmt.Fprintln(out, strings.Repeat("-", 73))

			for _, queue := range args {
				stats, err := a.queueStats(ctx, queue)
				if err != nil {
					return fmt.Errorf("failed to get stats of %s: %w", queue, err)
				}
				fmt.Fprintf(out, "%-40s %-10d %-10d %-10d\n", truncate(queue, 40), stats.Visible, stats.InFlight, stats.Delayed)
			}
			return nil
		},
	}
}

func (a *app) queueStats(ctx context.Context, queue string) (sqsTransport.QueueStats, error) {
	client, err := a.connect(ctx, queue)
	if err != nil {
		return sqsTransport.QueueStats{}, err
	}
	defer client.Close()
	return client.Transport().Stats(ctx)
}

func (a *app) healthCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health <queue>",
		Short: "Run the health checks of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			result := client.Health().Check(ctx)
			printHealth(cmd.OutOrStdout(), result)
			if result.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Health check timeout")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve <queue>",
		Short: "Serve health and metrics endpoints for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.clientOptions = append(a.clientOptions, mmatesqs.WithPrometheusMetrics(""))
			client, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			server := &http.Server{
				Addr:              addr,
				Handler:           client.HTTPHandler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			slog.Info("serving health and metrics", "addr", addr, "queue", args[0])
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	return cmd
}

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <type> <body>",
		Short: "Check a message body against the configured schemas",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			validator, err := cfg.Validator()
			if err != nil {
				return err
			}
			if validator == nil {
				return errors.New("no schemas configured")
			}

			msg := contracts.NewTransportMessage(map[string]string{
				contracts.HeaderMessageType: args[0],
			}, []byte(args[1]))
			if cfg.Validation.TypeHeader != "" {
				msg.Headers[cfg.Validation.TypeHeader] = args[0]
			}

			err = validator.Validate(cmd.Context(), msg)
			var failure *schema.ValidationFailure
			if errors.As(err, &failure) {
				for _, e := range failure.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", e.Field, e.Message, e.Code)
				}
				return fmt.Errorf("%s body is invalid", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s body is valid\n", args[0])
			return nil
		},
	}
}

func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		headers[key] = value
	}
	return headers, nil
}

// Output formatting functions

func printMessage(out io.Writer, msg *contracts.TransportMessage) {
	fmt.Fprintf(out, "message %s\n", msg.GetID())
	for key, value := range msg.Headers {
		if key == contracts.HeaderMessageID {
			continue
		}
		fmt.Fprintf(out, "  %s: %s\n", key, value)
	}
	fmt.Fprintf(out, "  body: %s\n", truncate(string(msg.Body), 200))
}

func printHealth(out io.Writer, result health.OverallHealth) {
	fmt.Fprintf(out, "Health: %s (%s)\n", result.Status, result.Duration.Round(time.Millisecond))
	for name, check := range result.Checks {
		fmt.Fprintf(out, "  %-30s %-10s %s\n", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(out, "  %-30s error: %s\n", "", check.Error)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
