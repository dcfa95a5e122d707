package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/config"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/ocfl-archive/layerstore/pkg/sqliteindex"
	"github.com/ocfl-archive/layerstore/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/cobra"
)

// all possible flags of all modules go here
var persistentFlagConfigFile string
var persistentFlagLogfile string
var persistentFlagLoglevel string
var persistentFlagRoot string
var persistentFlagIndex string

var conf *config.LayerStoreConfig

var rootCmd = &cobra.Command{
	Use:   "layerstore",
	Short: "layerstore is a layered file store on top of immutable zip containers",
	Long: fmt.Sprintf(`A layered file store. Files are written to a mutable staging layer
which is sealed into an immutable zip container. Reads resolve every path
to the newest layer holding it.
Version %s`, version.Version),
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func getFlagString(cmd *cobra.Command, flag string) string {
	str, err := cmd.Flags().GetString(flag)
	if err != nil {
		_ = cmd.Help()
		cobra.CheckErr(errors.Errorf("cannot get flag %s: %v", flag, err))
	}
	return str
}

func getFlagBool(cmd *cobra.Command, flag string) bool {
	b, err := cmd.Flags().GetBool(flag)
	if err != nil {
		_ = cmd.Help()
		cobra.CheckErr(errors.Errorf("cannot get flag %s: %v", flag, err))
	}
	return b
}

func initConfig() {
	var err error
	// load config file
	if persistentFlagConfigFile != "" {
		data, err := os.ReadFile(persistentFlagConfigFile)
		if err != nil {
			_ = rootCmd.Help()
			log.Fatalf("error reading config file %s: %v\n", persistentFlagConfigFile, err)
		}
		conf, err = config.LoadLayerStoreConfig(string(data))
		if err != nil {
			_ = rootCmd.Help()
			log.Fatalf("error loading config file %s: %v\n", persistentFlagConfigFile, err)
		}
	} else {
		conf, err = config.LoadLayerStoreConfig(string(config.DefaultConfig))
		if err != nil {
			log.Fatalf("error loading default config: %v\n", err)
		}
	}

	// overwrite config file with command line data
	if persistentFlagLogfile != "" {
		conf.Log.File = persistentFlagLogfile
	}
	if persistentFlagLoglevel != "" {
		conf.Log.Level = persistentFlagLoglevel
	}
	if persistentFlagRoot != "" {
		conf.Root = persistentFlagRoot
	}
	if persistentFlagIndex != "" {
		conf.Index.Backend = persistentFlagIndex
	}
	if err := conf.Validate(); err != nil {
		_ = rootCmd.Help()
		log.Fatalf("invalid configuration: %v\n", err)
	}
}

// createLogger builds the zerolog instance of a command. The returned closer
// releases the log file, if any.
func createLogger() (zLogger.ZLogger, io.Closer) {
	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("cannot get hostname: %v", err)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(conf.Log.Level))
	if err != nil {
		log.Fatalf("invalid log level '%s': %v", conf.Log.Level, err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var closer io.Closer = io.NopCloser(nil)
	if conf.Log.File != "" {
		fp, err := os.OpenFile(conf.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("cannot open log file '%s': %v", conf.Log.File, err)
		}
		output = fp
		closer = fp
	}
	_logger := zerolog.New(output).Level(level)
	l2 := _logger.With().Timestamp().Str("host", hostname).Logger()
	var logger zLogger.ZLogger = &l2
	return logger, closer
}

// openStore opens the layer store configured in conf with the configured
// index backend.
func openStore(ctx context.Context, logger zLogger.ZLogger) (*layerstore.LayerStore, error) {
	compression, err := archive.ParseCompression(conf.Archive.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.Root, 0755); err != nil {
		return nil, errors.Wrapf(err, "cannot create root folder '%s'", conf.Root)
	}

	var index layerstore.ItemIndex
	switch conf.Index.Backend {
	case config.IndexMemory:
		index = layerstore.NewMemoryIndex()
	default:
		dbPath := conf.Index.Path
		if dbPath == "" {
			dbPath = filepath.Join(conf.Root, "index.sqlite")
		}
		index, err = sqliteindex.Open(sqliteindex.Config{
			Path:     dbPath,
			PoolSize: conf.Index.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open index '%s'", dbPath)
		}
	}

	ls, err := layerstore.Open(ctx, conf.Root, index, logger,
		layerstore.WithCompression(compression),
		layerstore.WithDigest(conf.Archive.Digest),
		layerstore.WithRepair(conf.Repair),
	)
	if err != nil {
		_ = index.Close()
		return nil, errors.Wrapf(err, "cannot open layer store '%s'", conf.Root)
	}
	// a fresh memory index knows nothing about existing containers
	if conf.Index.Backend == config.IndexMemory && len(ls.Layers()) > 1 {
		_ = ls.Close()
		return nil, errors.Errorf("store '%s' has sealed layers, the memory index can only be used with empty stores", conf.Root)
	}
	return ls, nil
}

// withStore runs fn on an opened store and reports failures the way all
// commands do. The log file is closed before the process exits.
func withStore(msg string, fn func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error) {
	logger, lf := createLogger()
	err := runWithStore(context.Background(), msg, logger, fn)
	if cerr := lf.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "cannot close log file")
	}
	cobra.CheckErr(err)
}

// runWithStore opens the store, runs fn and closes the store on every path.
func runWithStore(ctx context.Context, msg string, logger zLogger.ZLogger, fn func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error) error {
	ls, err := openStore(ctx, logger)
	if err != nil {
		logger.Error().Stack().Err(err).Msg("cannot open store")
		return err
	}

	err = fn(ctx, ls, logger)
	if err != nil {
		logger.Error().Stack().Err(err).Msg(msg)
		err = errors.Wrap(err, msg)
	}
	if cerr := ls.Close(); cerr != nil {
		logger.Error().Stack().Err(cerr).Msgf("cannot close store '%s'", ls)
		err = errors.Combine(err, cerr)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&persistentFlagConfigFile, "config", "", "config file (default is embedded layerstore.toml)")
	rootCmd.PersistentFlags().StringVar(&persistentFlagLogfile, "log-file", "", "log output file (default is console)")
	rootCmd.PersistentFlags().StringVar(&persistentFlagLoglevel, "log-level", "", "log level (TRACE|DEBUG|INFO|WARN|ERROR|FATAL|PANIC)")
	rootCmd.PersistentFlags().StringVar(&persistentFlagRoot, "root", "", "root folder of the layer store")
	rootCmd.PersistentFlags().StringVar(&persistentFlagIndex, "index", "", "index backend (sqlite|memory)")

	initInit()
	initPut()
	initLs()
	initSeal()
	initServe()

	rootCmd.AddCommand(initCmd, putCmd, mkdirCmd, rmCmd, catCmd, lsCmd, resolveCmd, sealCmd, layersCmd, extractCmd, checkCmd, serveCmd, versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
