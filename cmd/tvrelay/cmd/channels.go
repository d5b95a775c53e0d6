package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/repository"
	"github.com/jmylchreest/tvrelay/internal/urlutil"
	"github.com/jmylchreest/tvrelay/pkg/format"
	"github.com/jmylchreest/tvrelay/pkg/m3u"
)

const importBatchSize = 200

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage relayed channels",
}

var channelsImportCmd = &cobra.Command{
	Use:   "import <file.m3u>",
	Short: "Import channels from an M3U playlist",
	Long: `Import channels from an extended M3U playlist. Use "-" to read stdin.
Gzip and bzip2 compressed playlists are detected automatically.

Channels whose stream URL already exists are skipped. Entries with an
unsupported URL scheme are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runChannelsImport,
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels",
	RunE:  runChannelsList,
}

func init() {
	channelsImportCmd.Flags().String("format", string(models.FormatUnknown), "declared origin format for imported channels (hls, ts, unknown)")
	channelsImportCmd.Flags().Bool("dry-run", false, "parse and validate without writing")

	channelsListCmd.Flags().String("category", "", "only list channels in this category")
	channelsListCmd.Flags().Bool("active", false, "only list active channels")
	channelsListCmd.Flags().Int("limit", 0, "maximum number of channels to list (0 lists all)")
	channelsListCmd.Flags().Bool("show-urls", false, "include stream URLs (credentials redacted)")

	channelsCmd.AddCommand(channelsImportCmd, channelsListCmd)
	rootCmd.AddCommand(channelsCmd)
}

// importOptions controls importChannels.
type importOptions struct {
	Format models.ChannelFormat
	DryRun bool
}

// importResult counts the outcome of an import.
type importResult struct {
	Parsed   int
	Imported int
	Existing int
	Invalid  int
}

// importChannels parses an M3U playlist and creates a channel per new stream URL.
func importChannels(ctx context.Context, r io.Reader, repo repository.ChannelRepository, opts importOptions, logger *slog.Logger) (importResult, error) {
	var (
		res   importResult
		batch []*models.Channel
		seen  = make(map[string]struct{})
	)

	flush := func() error {
		if len(batch) == 0 || opts.DryRun {
			batch = batch[:0]
			return nil
		}
		if err := repo.CreateBatch(ctx, batch); err != nil {
			return fmt.Errorf("saving channels: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	parser := &m3u.Parser{
		OnEntry: func(e *m3u.Entry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Parsed++

			ch := &models.Channel{
				Name:          e.Name(),
				Category:      e.GroupTitle,
				StreamURL:     e.URL,
				Format:        opts.Format,
				TvgID:         e.TvgID,
				LogoURL:       e.TvgLogo,
				ChannelNumber: e.ChannelNumber,
			}
			if err := ch.Validate(); err != nil {
				res.Invalid++
				logger.Warn("skipping playlist entry",
					slog.Int("line", e.Line),
					slog.String("name", ch.Name),
					slog.String("error", err.Error()))
				return nil
			}

			if _, dup := seen[ch.StreamURL]; dup {
				res.Existing++
				return nil
			}
			seen[ch.StreamURL] = struct{}{}

			existing, err := repo.GetByStreamURL(ctx, ch.StreamURL)
			if err != nil {
				return fmt.Errorf("checking existing channel: %w", err)
			}
			if existing != nil {
				res.Existing++
				return nil
			}

			batch = append(batch, ch)
			res.Imported++
			if len(batch) >= importBatchSize {
				return flush()
			}
			return nil
		},
		OnError: func(line int, err error) {
			logger.Debug("malformed playlist line", slog.Int("line", line), slog.String("error", err.Error()))
		},
	}

	if err := parser.ParseCompressed(r); err != nil {
		return res, fmt.Errorf("parsing playlist: %w", err)
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

func runChannelsImport(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	ctx := cmd.Context()

	formatFlag, _ := cmd.Flags().GetString("format")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	declared := models.ChannelFormat(formatFlag)
	if !declared.IsValid() {
		return fmt.Errorf("invalid format %q: must be hls, ts or unknown", formatFlag)
	}

	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening playlist: %w", err)
		}
		defer f.Close()
		in = f
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := importChannels(ctx, in, st.channels, importOptions{Format: declared, DryRun: dryRun}, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	fmt.Fprintf(out, "%s %s of %s entries (%s already present, %s invalid)\n",
		verb, format.Number(int64(res.Imported)), format.Number(int64(res.Parsed)),
		format.Number(int64(res.Existing)), format.Number(int64(res.Invalid)))
	return nil
}

func runChannelsList(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	ctx := cmd.Context()

	category, _ := cmd.Flags().GetString("category")
	activeOnly, _ := cmd.Flags().GetBool("active")
	limit, _ := cmd.Flags().GetInt("limit")
	showURLs, _ := cmd.Flags().GetBool("show-urls")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	channels, total, err := st.channels.List(ctx, repository.ChannelFilter{
		Category:   category,
		ActiveOnly: activeOnly,
		Limit:      limit,
	})
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	writeChannelTable(cmd.OutOrStdout(), channels, showURLs)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s of %s channels\n", format.Number(int64(len(channels))), format.Number(total))
	return nil
}

func writeChannelTable(w io.Writer, channels []*models.Channel, showURLs bool) {
	headers := []string{"ID", "NUM", "NAME", "CATEGORY", "FORMAT", "ACTIVE"}
	if showURLs {
		headers = append(headers, "URL")
	}
	tbl := format.NewTable(w, headers...)
	for _, ch := range channels {
		num := "-"
		if ch.ChannelNumber > 0 {
			num = strconv.Itoa(ch.ChannelNumber)
		}
		row := []string{
			ch.ID.String(),
			num,
			format.Truncate(ch.Name, 40),
			format.Truncate(ch.Category, 24),
			string(ch.Format),
			strconv.FormatBool(ch.Active()),
		}
		if showURLs {
			row = append(row, urlutil.Redact(ch.StreamURL))
		}
		tbl.Row(row...)
	}
	_ = tbl.Flush()
}
