package exchange

import (
	"context"

	"github.com/arloliu/go-devcomm/framing"
)

// CommandBuilder encodes a device read or write command. It is implemented by device
// protocol layers; the engine never inspects the result.
type CommandBuilder interface {
	BuildCommand(address string, length uint16) ([]byte, error)
}

// ResponseParser decodes a device response into a value.
type ResponseParser[T any] interface {
	ParseResponse(resp []byte) (T, error)
}

// CommandBuilderFunc adapts a function to CommandBuilder.
type CommandBuilderFunc func(address string, length uint16) ([]byte, error)

func (f CommandBuilderFunc) BuildCommand(address string, length uint16) ([]byte, error) {
	return f(address, length)
}

// ResponseParserFunc adapts a function to ResponseParser.
type ResponseParserFunc[T any] func(resp []byte) (T, error)

func (f ResponseParserFunc[T]) ParseResponse(resp []byte) (T, error) {
	return f(resp)
}

// CommandRequest names what to read and how the answer is framed.
type CommandRequest struct {
	Address string
	Length  uint16
	Framer  framing.Framer
	RePack  bool
}

// Command builds a command, exchanges it and parses the response. Builder and parser
// errors are returned without touching the connection.
func Command[T any](
	ctx context.Context,
	e *Engine,
	builder CommandBuilder,
	parser ResponseParser[T],
	cr CommandRequest,
) (T, error) {
	var zero T

	cmd, err := builder.BuildCommand(cr.Address, cr.Length)
	if err != nil {
		return zero, err
	}

	resp, err := e.Exchange(ctx, Request{
		Command:        cmd,
		Framer:         cr.Framer,
		ExpectResponse: true,
		RePack:         cr.RePack,
	})
	if err != nil {
		return zero, err
	}

	return parser.ParseResponse(resp)
}
