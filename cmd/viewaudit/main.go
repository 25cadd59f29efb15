package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "viewaudit",
	Short: "Audit a freetext view migration against production traffic",
	Long: `viewaudit mines access logs for freetext view queries, replays them against the
production and the migrated database, and attributes every matched row to the
document field that produced it.
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.StringP("output", "o", "", "Output mode (console, json)")
	flags.Bool("silence", false, "Suppress report output on stdout")
	flags.String("prod-url", "", "Production database base URL")
	flags.String("new-url", "", "Migrated database base URL")
	flags.String("username", "", "Database username shared by both instances")
	flags.String("password", "", "Database password shared by both instances")
	flags.String("database", "", "Database name")
	flags.Bool("tls-insecure-skip-verify", false, "Skip TLS certificate verification")
	flags.String("access-log", "", "Access log to mine for view queries")
	flags.String("archive-dir", "", "Directory holding archived responses")
	flags.String("storage-path", "", "Replay ledger database path")
	flags.Bool("no-ledger", false, "Do not record replays in the ledger")
	flags.String("metrics-listen", "", "Expose prometheus metrics on this address during a run")

	bindFlags(rootCmd)

	rootCmd.AddCommand(
		newExtractCmd(),
		newReplayCmd(),
		newCorrelateCmd(),
		newSimulateCmd(),
		newServeCmd(),
		versionCmd,
	)
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", flags.Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", flags.Lookup("log-file-path"))
	viper.BindPFlag("log.file_logging.max_size_mb", flags.Lookup("log-file-max-size"))
	viper.BindPFlag("log.file_logging.max_backups", flags.Lookup("log-file-max-backups"))
	viper.BindPFlag("log.file_logging.max_age_days", flags.Lookup("log-file-max-age"))
	viper.BindPFlag("log.file_logging.compress", flags.Lookup("log-file-compress"))
	viper.BindPFlag("output.mode", flags.Lookup("output"))
	viper.BindPFlag("output.silence", flags.Lookup("silence"))
	viper.BindPFlag("backend.prod_url", flags.Lookup("prod-url"))
	viper.BindPFlag("backend.new_url", flags.Lookup("new-url"))
	viper.BindPFlag("backend.username", flags.Lookup("username"))
	viper.BindPFlag("backend.password", flags.Lookup("password"))
	viper.BindPFlag("backend.database", flags.Lookup("database"))
	viper.BindPFlag("backend.tls_insecure_skip_verify", flags.Lookup("tls-insecure-skip-verify"))
	viper.BindPFlag("extract.log_file", flags.Lookup("access-log"))
	viper.BindPFlag("storage.path", flags.Lookup("storage-path"))
	viper.BindPFlag("metrics.listen", flags.Lookup("metrics-listen"))
}

// loadConfig reads and validates the configuration, then applies the flags
// viper cannot bind directly.
func loadConfig(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// The archive directory is shared by replay and correlate.
	if dir, err := cmd.Flags().GetString("archive-dir"); err == nil && dir != "" {
		cfg.Replay.ArchiveDir = dir
		cfg.Correlate.ArchiveDir = dir
	}
	if noLedger, err := cmd.Flags().GetBool("no-ledger"); err == nil && noLedger {
		cfg.Storage.Enable = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	return cfg, log, nil
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("viewaudit version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func printStartupBanner(cfg *config.Config, log logger.Logger) {
	titleLine := fmt.Sprintf("viewaudit v%s", version)
	subtitleLine := "Freetext View Migration Audit API"

	lines := []string{
		fmt.Sprintf("Listening on:    http://0.0.0.0:%d", cfg.Server.Port),
		fmt.Sprintf("Log Level:       %s", cfg.Log.Level),
	}
	if cfg.Storage.Enable {
		lines = append(lines, fmt.Sprintf("Replay Ledger:   %s", cfg.Storage.Path))
	} else {
		lines = append(lines, "Replay Ledger:   Disabled")
	}
	lines = append(lines,
		fmt.Sprintf("Report:          %s", cfg.Correlate.ReportPath),
		fmt.Sprintf("Report Fields:   %s", cfg.Correlate.FieldsPath),
		"",
		"Routes:",
		"   /api/runs  /api/replays  /api/replays/{id}  /api/replays/export",
		"   /api/report  /api/report/fields  /metrics  /healthz",
		"",
		"(Press Ctrl+C to stop)",
	)

	maxLength := runewidth.StringWidth(titleLine)
	for _, line := range append(lines, subtitleLine) {
		if w := runewidth.StringWidth(line); w > maxLength {
			maxLength = w
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Println()
	printBoxLine("┌", "┐", boxWidth)
	printBoxContent(titleLine, boxWidth, true)
	printBoxContent(subtitleLine, boxWidth, true)
	printBoxLine("├", "┤", boxWidth)
	for _, line := range lines {
		printBoxContent(line, boxWidth, false)
	}
	printBoxLine("└", "┘", boxWidth)
	fmt.Println()

	log.Info("viewaudit API starting",
		"version", version,
		"port", cfg.Server.Port,
		"ledger", cfg.Storage.Enable,
		"report", cfg.Correlate.ReportPath,
	)
}

func printBoxLine(left, right string, width int) {
	fmt.Printf("%s%s%s\n", left, strings.Repeat("─", width-2), right)
}

func printBoxContent(content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}
	fmt.Printf("│%s%s%s│\n", leftPad, content, rightPad)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
