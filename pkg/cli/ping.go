package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/cli/internal/output"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/metrics"
)

var (
	pingCount    int
	pingInterval time.Duration
)

// PingOutput is the result of lime ping.
type PingOutput struct {
	Remote string   `json:"remote,omitempty"`
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	RTTs   []string `json:"rtts"`
	Min    string   `json:"min,omitempty"`
	Avg    string   `json:"avg,omitempty"`
	Max    string   `json:"max,omitempty"`
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the remote node",
	Long:  `ping opens a session and sends get /ping commands, reporting round trip times.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if pingCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, release, err := connect(ctx, cfg, cfg.Logging.Logger(), metrics.New(prometheus.NewRegistry()))
		if err != nil {
			return err
		}
		defer release()
		defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

		out, err := ping(ctx, s, pingCount, pingInterval)
		if err != nil {
			return err
		}
		return writePingOutput(cmd.OutOrStdout(), out)
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 3, "Number of pings")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", time.Second, "Delay between pings")
	rootCmd.AddCommand(pingCmd)
}

// ping sends count pings, waiting interval between them. Failure
// responses are counted; transport errors end the run.
func ping(ctx context.Context, s session, count int, interval time.Duration) (*PingOutput, error) {
	out := &PingOutput{RTTs: []string{}}
	if remote := s.RemoteNode(); remote != nil {
		out.Remote = remote.String()
	}

	var lo, hi, total time.Duration
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}

		start := time.Now()
		resp, err := s.ProcessCommand(ctx, channel.NewPingCommand())
		if err != nil {
			return out, fmt.Errorf("ping %d: %w", i+1, err)
		}
		rtt := time.Since(start)
		out.Sent++
		if resp.Status != envelope.StatusSuccess {
			out.Failed++
			continue
		}

		out.RTTs = append(out.RTTs, rtt.String())
		if lo == 0 || rtt < lo {
			lo = rtt
		}
		hi = max(hi, rtt)
		total += rtt
	}

	if ok := out.Sent - out.Failed; ok > 0 {
		out.Min = lo.String()
		out.Max = hi.String()
		out.Avg = (total / time.Duration(ok)).String()
	}
	return out, nil
}

func writePingOutput(w io.Writer, out *PingOutput) error {
	if jsonOutput {
		return output.JSON(w, out)
	}
	for i, rtt := range out.RTTs {
		fmt.Fprintf(w, "pong from %s: seq=%d time=%s\n", out.Remote, i+1, rtt)
	}
	fmt.Fprintf(w, "%d sent, %d failed", out.Sent, out.Failed)
	if out.Avg != "" {
		fmt.Fprintf(w, ", min/avg/max = %s/%s/%s", out.Min, out.Avg, out.Max)
	}
	fmt.Fprintln(w)
	return nil
}
