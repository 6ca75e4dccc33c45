// Command devcommctl talks to devices and services through go-devcomm pipes. It is meant
// for commissioning and troubleshooting: run one exchange, query a Redis-compatible
// endpoint, or move a file with the chunked stream protocol.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
