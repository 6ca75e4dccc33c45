package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-devcomm/exchange"
	"github.com/arloliu/go-devcomm/framing"
)

var exchangeCmd = &cobra.Command{
	Use:   "exchange <payload>",
	Short: "Send one command and print the response",
	Long: `Send one command and print the response as a hex dump.

The payload is taken literally, or decoded from hex with --hex. The --framer flag selects
how the end of the response is found: simple (one read), modbus (Modbus-TCP MBAP head),
mqtt (fixed header and remaining length) or redis (one RESP reply).`,
	Args: cobra.ExactArgs(1),
	RunE: runExchange,
}

func init() {
	exchangeCmd.Flags().Bool("hex", false, "decode the payload from hex")
	exchangeCmd.Flags().String("framer", "simple", "response framing (simple, modbus, mqtt, redis)")
	exchangeCmd.Flags().Bool("no-response", false, "do not wait for a response")
}

func framerByName(name string) (framing.Framer, error) {
	switch strings.ToLower(name) {
	case "simple":
		return framing.Simple{}, nil
	case "modbus":
		return framing.NewHeadFramer(framing.ModbusTCP()), nil
	case "mqtt":
		return framing.MQTT{}, nil
	case "redis", "resp":
		return framing.Redis{}, nil
	}

	return nil, fmt.Errorf("unknown framer %q", name)
}

func runExchange(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("framer")
	framer, err := framerByName(name)
	if err != nil {
		return err
	}

	payload := []byte(args[0])
	if asHex, _ := cmd.Flags().GetBool("hex"); asHex {
		payload, err = hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	noResponse, _ := cmd.Flags().GetBool("no-response")

	p, err := newPipe()
	if err != nil {
		return err
	}
	defer finish(cmd, p)

	resp, err := exchange.New(p).Exchange(cmd.Context(), exchange.Request{
		Command:        payload,
		Framer:         framer,
		ExpectResponse: !noResponse,
	})
	if err != nil {
		return err
	}

	if len(resp) > 0 {
		cmd.Print(hex.Dump(resp))
	}

	return nil
}
