package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvrelay/internal/health"
	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/pkg/format"
)

// errChannelsOffline makes the command exit non-zero when a probe found offline channels.
var errChannelsOffline = errors.New("one or more channels are offline")

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe channel reachability once",
	Long: `Run one health probe over every active channel, or a single channel with
--channel, record the results and print a summary. Probing never opens a relay
session.`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().String("channel", "", "probe only this channel id")
	probeCmd.Flags().Bool("fail-offline", false, "exit non-zero when any probed channel is offline")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	ctx := cmd.Context()

	channelFlag, _ := cmd.Flags().GetString("channel")
	failOffline, _ := cmd.Flags().GetBool("fail-offline")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	monitor := newMonitor(cfg.Health, st, logger)
	out := cmd.OutOrStdout()

	if channelFlag != "" {
		id, err := models.ParseULID(channelFlag)
		if err != nil {
			return fmt.Errorf("invalid channel id %q: %w", channelFlag, err)
		}
		rec, err := monitor.ProbeChannel(ctx, id)
		if err != nil {
			return fmt.Errorf("probing channel: %w", err)
		}
		writeRecord(out, rec)
		if failOffline && !rec.Online() {
			return errChannelsOffline
		}
		return nil
	}

	run, err := monitor.ProbeAll(ctx)
	if err != nil {
		return err
	}

	channels, err := st.channels.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}
	writeProbeTable(out, channels, monitor)
	fmt.Fprintf(out, "\nProbed %s channels in %s: %s online, %s offline (%s available)\n",
		format.Number(int64(run.Probed)), format.Duration(run.Duration),
		format.Number(int64(run.Online)), format.Number(int64(run.Offline)),
		format.Percentage(int64(run.Online), int64(run.Probed)))

	if failOffline && run.Offline > 0 {
		return errChannelsOffline
	}
	return nil
}

// healthLookup is the part of the monitor the probe table reads.
type healthLookup interface {
	Latest(channelID string) (health.ChannelHealth, bool)
}

func writeProbeTable(w io.Writer, channels []*models.Channel, latest healthLookup) {
	tbl := format.NewTable(w, "ID", "NAME", "STATUS", "LATENCY", "ERROR", "FAILURES")
	for _, ch := range channels {
		state, ok := latest.Latest(ch.ID.String())
		if !ok {
			tbl.Row(ch.ID.String(), format.Truncate(ch.Name, 40), "unknown", "-", "-", "-")
			continue
		}
		errCode := state.ErrorCode
		if errCode == "" {
			errCode = "-"
		}
		tbl.Row(
			ch.ID.String(),
			format.Truncate(ch.Name, 40),
			string(state.Status),
			format.Duration(time.Duration(state.LatencyMs)*time.Millisecond),
			errCode,
			strconv.Itoa(state.ConsecutiveOffline),
		)
	}
	_ = tbl.Flush()
}

func writeRecord(w io.Writer, rec *models.HealthRecord) {
	tbl := format.NewTable(w, "FIELD", "VALUE")
	tbl.Row("channel", rec.ChannelID.String())
	tbl.Row("status", string(rec.Status))
	tbl.Row("latency", format.Duration(time.Duration(rec.LatencyMs)*time.Millisecond))
	if rec.HTTPStatus != 0 {
		tbl.Row("http_status", strconv.Itoa(rec.HTTPStatus))
	}
	if rec.ErrorCode != "" {
		tbl.Row("error", rec.ErrorCode)
	}
	if rec.Message != "" {
		tbl.Row("message", rec.Message)
	}
	_ = tbl.Flush()
}
