// Package cli implements the memvault CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/config"
	"github.com/rcliao/memvault/internal/embedding"
	"github.com/rcliao/memvault/internal/logger"
	"github.com/rcliao/memvault/internal/service"
	"github.com/rcliao/memvault/internal/store"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Persistent memory for coding assistants",
	Long: "Store short notes about a project and recall them with hybrid keyword and semantic search.\n" +
		"Results are JSON on stdout; logs go to stderr.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.memvault/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (overrides config and $MEMVAULT_DATA_DIR)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// app is everything a command needs, opened from the configuration.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	storage *store.CompositeStorage
	engine  *service.Engine
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openApp loads the configuration and opens storage, the embedder and the
// engine.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	lcfg := logger.DefaultConfig()
	lcfg.Level = cfg.Logging.Level
	lcfg.File = cfg.Logging.File
	lcfg.Pretty = cfg.Logging.Pretty
	l, err := logger.New(lcfg)
	if err != nil {
		return nil, err
	}
	zl := l.Zerolog()

	s, err := store.Open(cmd.Context(), cfg, zl)
	if err != nil {
		l.Close()
		return nil, err
	}

	e, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Dims:      cfg.Storage.EmbeddingDimensions,
		Timeout:   cfg.Embedding.Timeout(),
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		s.Close()
		l.Close()
		return nil, err
	}

	zl.Debug().Str("backends", cfg.Summary()).Str("data_dir", cfg.DataDir).Msg("storage opened")
	return &app{
		cfg:     cfg,
		log:     l,
		storage: s,
		engine:  service.NewEngine(service.OptionsFromConfig(cfg, s, e, zl)),
	}, nil
}

func (a *app) Close() {
	if err := a.storage.Close(); err != nil {
		zl := a.log.Zerolog()
		zl.Warn().Err(err).Msg("close storage")
	}
	a.log.Close()
}

// fail closes the app and exits.
func (a *app) fail(msg string, err error) {
	a.Close()
	exitErr(msg, err)
}

func mustOpenApp(cmd *cobra.Command) *app {
	a, err := openApp(cmd)
	if err != nil {
		exitErr("open store", err)
	}
	return a
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(cmd *cobra.Command, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
}

// readContent takes content from the positional args, or from stdin when
// it is piped.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
