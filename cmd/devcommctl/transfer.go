package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arloliu/go-devcomm/pipe"
	"github.com/arloliu/go-devcomm/stream"
	"github.com/arloliu/go-devcomm/svframe"
)

var (
	sendFileCmd = &cobra.Command{
		Use:   "send-file <path>",
		Short: "Stream a file to the device in acknowledged chunks",
		Args:  cobra.ExactArgs(1),
		RunE:  runSendFile,
	}

	receiveFileCmd = &cobra.Command{
		Use:   "receive-file <path>",
		Short: "Receive --size bytes from the device into a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runReceiveFile,
	}
)

func init() {
	for _, c := range []*cobra.Command{sendFileCmd, receiveFileCmd} {
		c.Flags().String("codec", "sv", "chunk codec (sv, mqtt)")
		c.Flags().String("token", "", "session token for the sv codec, in GUID form")
		c.Flags().String("topic", "devcomm/stream", "topic for the mqtt codec")
		c.Flags().Int("chunk-size", stream.DefaultChunkSize, "chunk size in bytes")
		c.Flags().String("account", "", "log in with this account before the transfer (sv codec)")
		c.Flags().String("password", "", "password for --account")
	}
	receiveFileCmd.Flags().Int64("size", 0, "number of bytes to receive")
}

// newTransfer builds the pipe and transfer described by the bound flags.
func newTransfer(cmd *cobra.Command) (*pipe.Pipe, *stream.Transfer, error) {
	var (
		codec stream.Codec
		opts  []pipe.Option
	)

	switch name := viper.GetString("codec"); name {
	case "sv":
		token, err := svframe.ParseToken(viper.GetString("token"))
		if err != nil {
			return nil, nil, fmt.Errorf("--token: %w", err)
		}
		codec = stream.NewSVCodec(token)

		if account := viper.GetString("account"); account != "" {
			opts = append(opts, pipe.WithInitHook(svframe.LoginHook(token, account, viper.GetString("password"))))
		}
	case "mqtt":
		codec = stream.NewMQTTCodec(viper.GetString("topic"))
	default:
		return nil, nil, fmt.Errorf("unknown codec %q", name)
	}

	p, err := newPipe(opts...)
	if err != nil {
		return nil, nil, err
	}

	var lastPercent int
	t := stream.New(p, codec,
		stream.WithChunkSize(viper.GetInt("chunk-size")),
		stream.WithPercentProgress(func(percent int) {
			if percent-lastPercent >= 10 || percent == 100 {
				lastPercent = percent
				cmd.PrintErrf("%3d%%\n", percent)
			}
		}),
	)

	return p, t, nil
}

func runSendFile(cmd *cobra.Command, args []string) error {
	p, t, err := newTransfer(cmd)
	if err != nil {
		return err
	}
	defer finish(cmd, p)

	res, err := t.SendFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printResult(cmd, res)

	return nil
}

func runReceiveFile(cmd *cobra.Command, args []string) error {
	size := viper.GetInt64("size")
	if size < 0 {
		return fmt.Errorf("--size must not be negative")
	}

	p, t, err := newTransfer(cmd)
	if err != nil {
		return err
	}
	defer finish(cmd, p)

	res, err := t.ReceiveFile(cmd.Context(), args[0], size)
	if err != nil {
		return err
	}

	printResult(cmd, res)

	return nil
}

func printResult(cmd *cobra.Command, res stream.Result) {
	cmd.Printf("chunks: %d\nbytes: %d\nxxh3: %016x\n", res.Chunks, res.Bytes, res.Digest)
}
