package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/getmockd/lime/pkg/cli/internal/output"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/metrics"
)

var (
	sendTo   string
	sendWait time.Duration
)

// SendOutput is the result of lime send.
type SendOutput struct {
	ID            string         `json:"id"`
	To            string         `json:"to,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// Notification is a notification received for a sent message.
type Notification struct {
	Event   envelope.Event `json:"event"`
	From    string         `json:"from,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Elapsed string         `json:"elapsed"`
}

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a text message",
	Long: `send opens a session with the configured client settings and sends a
text/plain message. With --wait the notifications for the message are
collected until it is consumed, fails, or the wait elapses.`,
	Example: `  lime send --to bob@example.org "hello"
  lime send --to bob@example.org --wait 5s "hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var to *envelope.Node
		if sendTo != "" {
			if to, err = envelope.ParseNode(sendTo); err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := cfg.Logging.Logger()
		s, release, err := connect(ctx, cfg, logger, metrics.New(prometheus.NewRegistry()))
		if err != nil {
			return err
		}
		defer release()
		defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

		out, err := sendText(ctx, s, to, strings.Join(args, " "), sendWait)
		if err != nil {
			return err
		}
		return writeSendOutput(cmd.OutOrStdout(), out)
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Destination node; the remote peer when empty")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Wait this long for notifications")
	rootCmd.AddCommand(sendCmd)
}

// sendText sends text to to and collects the notifications for it for up
// to wait.
func sendText(ctx context.Context, s session, to *envelope.Node, text string, wait time.Duration) (*SendOutput, error) {
	m := envelope.NewTextMessage(to, text)
	start := time.Now()
	if err := s.SendMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	out := &SendOutput{ID: m.ID}
	if to != nil {
		out.To = to.String()
	}
	if wait <= 0 {
		return out, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		n, err := s.ReceiveNotification(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return out, nil
			}
			return out, fmt.Errorf("receiving notifications: %w", err)
		}
		if n.ID != m.ID {
			continue
		}
		out.Notifications = append(out.Notifications, toNotification(n, time.Since(start)))
		if n.Event == envelope.EventConsumed || n.Event == envelope.EventFailed {
			return out, nil
		}
	}
}

func toNotification(n *envelope.Notification, elapsed time.Duration) Notification {
	out := Notification{Event: n.Event, Elapsed: elapsed.Round(time.Microsecond).String()}
	if n.From != nil {
		out.From = n.From.String()
	}
	if n.Reason != nil {
		out.Reason = n.Reason.Error()
	}
	return out
}

func writeSendOutput(w io.Writer, out *SendOutput) error {
	if jsonOutput {
		return output.JSON(w, out)
	}
	fmt.Fprintf(w, "sent %s\n", out.ID)
	if len(out.Notifications) == 0 {
		return nil
	}
	tw := output.Table(w)
	fmt.Fprintln(tw, "EVENT\tFROM\tELAPSED\tREASON")
	for _, n := range out.Notifications {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Event, n.From, n.Elapsed, n.Reason)
	}
	return tw.Flush()
}
