package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/pipe"
)

// Version is the devcommctl version.
const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "devcommctl",
		Short: "exchange messages with devices over go-devcomm pipes",
		Long: fmt.Sprintf(`devcommctl (v%s)

Runs single exchanges, Redis commands and chunked file transfers against a device
endpoint. Every flag can also be set through a DEVCOMM_ environment variable, e.g.
DEVCOMM_HOST or DEVCOMM_RECEIVE_TIMEOUT, or in a .env / .env.local file.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of devcommctl",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("devcommctl v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("host", "127.0.0.1", "device host name or address")
	flags.Int("port", 502, "device port")
	flags.String("mode", "persistent", "connection mode (persistent, transient)")
	flags.Duration("connect-timeout", 3*time.Second, "connect timeout")
	flags.Duration("receive-timeout", 5*time.Second, "receive timeout, negative for fire-and-forget")
	flags.Duration("write-timeout", 5*time.Second, "write timeout")
	flags.Duration("sleep-before-receive", 0, "settle time between sending and receiving")
	flags.String("local-addr", "", "local address to bind before connecting")
	flags.Int("max-content-length", 0, "largest accepted message content in bytes, 0 for the default")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("metrics", false, "print pipe metrics in Prometheus text format when done")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(exchangeCmd)
	rootCmd.AddCommand(redisCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(receiveFileCmd)
}

// initConfig loads .env files and binds DEVCOMM_ environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("devcomm")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	level, err := logger.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	logger.SetDefault(logger.NewSlogWriter(os.Stderr, level, false))

	return nil
}

// newPipe builds a pipe from the bound flags and environment.
func newPipe(extra ...pipe.Option) (*pipe.Pipe, error) {
	opts := []pipe.Option{
		pipe.WithConnectTimeout(viper.GetDuration("connect-timeout")),
		pipe.WithReceiveTimeout(viper.GetDuration("receive-timeout")),
		pipe.WithWriteTimeout(viper.GetDuration("write-timeout")),
		pipe.WithSleepBeforeReceive(viper.GetDuration("sleep-before-receive")),
		pipe.WithLogger(logger.GetLogger()),
	}

	switch mode := viper.GetString("mode"); mode {
	case "persistent":
		opts = append(opts, pipe.WithPersistent())
	case "transient":
		opts = append(opts, pipe.WithTransient())
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", pipe.ErrInvalidConfig, mode)
	}

	if addr := viper.GetString("local-addr"); addr != "" {
		opts = append(opts, pipe.WithLocalAddr(addr))
	}
	if n := viper.GetInt("max-content-length"); n > 0 {
		opts = append(opts, pipe.WithMaxContentLength(n))
	}

	cfg, err := pipe.NewConfig(viper.GetString("host"), viper.GetInt("port"), append(opts, extra...)...)
	if err != nil {
		return nil, err
	}

	return pipe.New(cfg), nil
}

// finish closes p and prints its metrics when requested.
func finish(cmd *cobra.Command, p *pipe.Pipe) {
	_ = p.Close()

	if !viper.GetBool("metrics") {
		return
	}

	set := metrics.NewSet()
	p.Metrics().Register(set, "devcomm_pipe", fmt.Sprintf("{address=%q}", p.Config().Address()))
	set.WritePrometheus(cmd.OutOrStdout())
}
