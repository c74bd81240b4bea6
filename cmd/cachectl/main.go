package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/couchbase/stellar-cache/cbconfig"
	"github.com/couchbase/stellar-cache/netpool"
	"github.com/couchbase/stellar-cache/pool"
)

var rootCmd = &cobra.Command{
	Use:   "cachectl",
	Short: "A diagnostic tool for inspecting cache cluster routing",

	Run: func(cmd *cobra.Command, args []string) {
		runRoute(args)
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "warn", "the log level to run at")
	configFlags.StringSlice("pool-url", []string{"http://localhost:8091"}, "the configuration endpoints to poll")
	configFlags.String("bucket", "default", "the bucket to route against")
	configFlags.String("user", "", "the config endpoint username")
	configFlags.String("pass", "", "the config endpoint password")
	configFlags.String("bucket-pass", "", "the bucket password, when it differs from the endpoint password")
	configFlags.String("port-type", "direct", "which classic port to route to (proxy or direct)")
	configFlags.Bool("watch", false, "keep running and reprint assignments on config changes")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("cachectl")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func printAssignments(manager *pool.Manager, keys []string) {
	for _, key := range keys {
		node, err := manager.Locate(key)
		if err != nil {
			fmt.Printf("%s\t<no route: %s>\n", key, err)
			continue
		}

		line := node.Endpoint()
		if op, ok := manager.OperationFactory().New(key).(interface{ VBucketID() uint16 }); ok {
			line = fmt.Sprintf("%s\tvb:%d", line, op.VBucketID())
		}
		fmt.Printf("%s\t%s\n", key, line)
	}
}

func runRoute(keys []string) {
	logLevel, logger := getLogger()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}

		if watchCfgFile {
			viper.OnConfigChange(func(in fsnotify.Event) {
				logger.Info("configuration file change detected")
			})
			go viper.WatchConfig()
		}
	}

	parsedLogLevel, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		logger.Warn("invalid log level specified, using WARN instead")
		parsedLogLevel = zapcore.WarnLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	if len(keys) == 0 {
		logger.Error("at least one key must be specified")
		os.Exit(1)
	}

	portType := cbconfig.PortTypeDirect
	if strings.EqualFold(viper.GetString("port-type"), "proxy") {
		portType = cbconfig.PortTypeProxy
	}

	listener, err := cbconfig.NewListener(cbconfig.ListenerOptions{
		PoolURIs:   viper.GetStringSlice("pool-url"),
		BucketName: viper.GetString("bucket"),
		Username:   viper.GetString("user"),
		Password:   viper.GetString("pass"),
		Logger:     logger.Named("listener"),
	})
	if err != nil {
		logger.Error("failed to create the config listener", zap.Error(err))
		os.Exit(1)
	}

	manager, err := pool.NewManager(pool.ManagerOptions{
		Source:         listener,
		PortType:       portType,
		BucketName:     viper.GetString("bucket"),
		BucketPassword: viper.GetString("bucket-pass"),
		Password:       viper.GetString("pass"),
		Logger:         logger.Named("pool"),
		SocketPools: func(endpoint string) pool.SocketPool {
			return netpool.NewPool(netpool.PoolOptions{
				Address: endpoint,
				Logger:  logger.Named("netpool"),
			})
		},
	})
	if err != nil {
		logger.Error("failed to create the pool manager", zap.Error(err))
		os.Exit(1)
	}

	err = manager.Start(context.Background())
	if err != nil {
		logger.Error("failed to start the pool manager", zap.Error(err))
		os.Exit(1)
	}
	defer manager.Dispose()

	printAssignments(manager, keys)

	if !viper.GetBool("watch") {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// the manager owns the config stream, so watch mode just reprints
	// whenever the published state changes
	lastState := manager.State()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			state := manager.State()
			if state == lastState {
				continue
			}
			lastState = state

			fmt.Println("--- config changed ---")
			printAssignments(manager, keys)
		case <-sigCh:
			logger.Info("shutting down")
			return
		}
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
