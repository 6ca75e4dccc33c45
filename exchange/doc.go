// Package exchange implements request/response round trips over a pipe.
//
// An exchange packs the command, acquires the pipe, writes the request, receives one framed
// message, validates its head against the request and unpacks it. Exchange blocks the
// calling goroutine; ExchangeAsync runs the identical code in a new goroutine and delivers
// a Result on a channel. Both honor context cancellation at every wait: gate acquisition,
// connect, write, settle time and receive.
//
// A minimal Modbus-TCP style exchange:
//
//	cfg, _ := pipe.NewConfig("192.168.0.10", 502)
//	eng := exchange.New(pipe.New(cfg))
//
//	resp, err := eng.Exchange(ctx, exchange.Request{
//		Command:        mbapRequest,
//		Framer:         framing.NewHeadFramer(framing.ModbusTCP()),
//		ExpectResponse: true,
//	})
package exchange
