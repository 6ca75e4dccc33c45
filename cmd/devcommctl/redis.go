package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/transport"
)

var redisCmd = &cobra.Command{
	Use:   "redis <command> [args...]",
	Short: "Run one command against a RESP endpoint",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRedis,
}

func runRedis(cmd *cobra.Command, args []string) error {
	p, err := newPipe()
	if err != nil {
		return err
	}
	defer finish(cmd, p)

	var reply framing.Reply
	err = p.Do(cmd.Context(), func(ctx context.Context, conn *transport.Conn) error {
		if err := conn.WriteAll(ctx, framing.EncodeRedisCommandStrings(args...)); err != nil {
			return err
		}

		return conn.ReadWith(ctx, func(r transport.Reader) error {
			var err error
			reply, err = framing.ReadRedisReply(r, p.Config().ReadOptions())

			return err
		})
	})
	if err != nil {
		return err
	}

	printReply(cmd.OutOrStdout(), reply, 0)

	return nil
}

func printReply(w io.Writer, r framing.Reply, depth int) {
	indent := strings.Repeat("  ", depth)

	switch {
	case r.Null:
		fmt.Fprintf(w, "%s(nil)\n", indent)
	case r.Type == framing.ReplyArray:
		fmt.Fprintf(w, "%s(array of %d)\n", indent, len(r.Elems))
		for _, e := range r.Elems {
			printReply(w, e, depth+1)
		}
	case r.Type == framing.ReplyBulkString:
		fmt.Fprintf(w, "%s%q\n", indent, r.Bulk)
	case r.Type == framing.ReplyError:
		fmt.Fprintf(w, "%s(error) %s\n", indent, r.Line)
	case r.Type == framing.ReplyInteger:
		fmt.Fprintf(w, "%s(integer) %s\n", indent, r.Line)
	default:
		fmt.Fprintf(w, "%s%s\n", indent, r.Line)
	}
}
