package framing

import (
	"fmt"
	"io"
	"strconv"
)

// ReplyType is the first byte of a RESP reply.
type ReplyType byte

const (
	ReplySimpleString ReplyType = '+'
	ReplyError        ReplyType = '-'
	ReplyInteger      ReplyType = ':'
	ReplyBulkString   ReplyType = '$'
	ReplyArray        ReplyType = '*'
)

const (
	// DefaultMaxLineLength caps a RESP line, prefix and terminator excluded.
	DefaultMaxLineLength = 64 << 10
	// DefaultMaxDepth caps the nesting of RESP arrays.
	DefaultMaxDepth = 32
)

// Reply is a parsed RESP reply.
type Reply struct {
	Type ReplyType
	// Line is the text after the type byte, without CRLF.
	Line string
	// Bulk holds the payload of a non-null bulk string.
	Bulk []byte
	// Null is set for "$-1" and "*-1".
	Null bool
	// Elems holds the elements of a non-null array.
	Elems []Reply
	// Raw is the exact wire form of this reply, nested replies included.
	Raw []byte
}

// Int parses Line of an integer reply, or the count of a bulk string or array.
func (r Reply) Int() (int64, error) {
	return strconv.ParseInt(r.Line, 10, 64)
}

// Err returns the message of an error reply as an error, and nil for any other reply.
func (r Reply) Err() error {
	if r.Type != ReplyError {
		return nil
	}

	return fmt.Errorf("redis: %s", r.Line)
}

// Redis reads complete RESP replies and returns their raw bytes.
type Redis struct {
	MaxLineLength int
	MaxDepth      int
}

var _ Framer = Redis{}

func (Redis) Kind() Kind { return KindRedis }

func (p Redis) ReadMessage(r Reader, opts ReadOptions) ([]byte, error) {
	reply, err := p.ReadReply(r, opts)
	if err != nil {
		return nil, err
	}

	return reply.Raw, nil
}

// ReadReply reads one reply, recursing into arrays.
func (p Redis) ReadReply(r Reader, opts ReadOptions) (Reply, error) {
	return p.readReply(r, opts, 0)
}

// ReadRedisReply reads one reply with default limits.
func ReadRedisReply(r Reader, opts ReadOptions) (Reply, error) {
	return Redis{}.ReadReply(r, opts)
}

func (p Redis) readReply(r Reader, opts ReadOptions, depth int) (Reply, error) {
	maxDepth := p.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if depth > maxDepth {
		return Reply{}, fmt.Errorf("%w: redis reply nested deeper than %d", ErrDecode, maxDepth)
	}

	maxLine := p.MaxLineLength
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}

	line, err := readLine(r, maxLine+1)
	if err != nil {
		return Reply{}, fmt.Errorf("read redis line: %w", err)
	}
	if len(line) == 0 {
		return Reply{}, fmt.Errorf("%w: empty redis line", ErrDecode)
	}

	reply := Reply{
		Type: ReplyType(line[0]),
		Line: string(line[1:]),
		Raw:  append(line, '\r', '\n'),
	}

	switch reply.Type {
	case ReplySimpleString, ReplyError, ReplyInteger:
		return reply, nil

	case ReplyBulkString:
		n, err := parseCount(reply.Line)
		if err != nil {
			return Reply{}, err
		}
		if n < 0 {
			reply.Null = true
			return reply, nil
		}
		if err := opts.CheckSize(n); err != nil {
			return Reply{}, err
		}

		head := len(reply.Raw)
		raw := make([]byte, head+n+2)
		copy(raw, reply.Raw)
		if err := readContent(r, raw[head:head+n], opts); err != nil {
			return Reply{}, err
		}
		if _, err := io.ReadFull(r, raw[head+n:]); err != nil {
			return Reply{}, fmt.Errorf("read redis bulk terminator: %w", err)
		}
		if raw[head+n] != '\r' || raw[head+n+1] != '\n' {
			return Reply{}, fmt.Errorf("%w: redis bulk string not terminated by CRLF", ErrDecode)
		}

		reply.Bulk = raw[head : head+n]
		reply.Raw = raw

		return reply, nil

	case ReplyArray:
		n, err := parseCount(reply.Line)
		if err != nil {
			return Reply{}, err
		}
		if n < 0 {
			reply.Null = true
			return reply, nil
		}
		if err := opts.CheckSize(n); err != nil {
			return Reply{}, err
		}

		reply.Elems = make([]Reply, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			elem, err := p.readReply(r, opts, depth+1)
			if err != nil {
				return Reply{}, fmt.Errorf("redis array element %d/%d: %w", i, n, err)
			}
			if err := opts.CheckSize(len(reply.Raw) + len(elem.Raw)); err != nil {
				return Reply{}, err
			}
			reply.Raw = append(reply.Raw, elem.Raw...)
			reply.Elems = append(reply.Elems, elem)
		}

		return reply, nil

	default:
		return Reply{}, fmt.Errorf("%w: unknown redis reply type %q", ErrDecode, line[0])
	}
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid redis length %q", ErrDecode, s)
	}

	return n, nil
}

// EncodeRedisCommand encodes args as a RESP array of bulk strings.
func EncodeRedisCommand(args ...[]byte) []byte {
	out := make([]byte, 0, 16+len(args)*16)
	out = append(out, '*')
	out = strconv.AppendInt(out, int64(len(args)), 10)
	out = append(out, '\r', '\n')

	for _, arg := range args {
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(len(arg)), 10)
		out = append(out, '\r', '\n')
		out = append(out, arg...)
		out = append(out, '\r', '\n')
	}

	return out
}

// EncodeRedisCommandStrings is EncodeRedisCommand for string arguments.
func EncodeRedisCommandStrings(args ...string) []byte {
	bs := make([][]byte, len(args))
	for i, a := range args {
		bs[i] = []byte(a)
	}

	return EncodeRedisCommand(bs...)
}
