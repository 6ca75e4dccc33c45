// Package framing decides where one protocol message ends within a byte stream.
//
// A Framer reads exactly one message from a Reader. Fixed-header protocols describe
// themselves with a Descriptor (head length plus a head → content length function) and
// are read by HeadFramer; protocols whose head length is itself variable (WebSocket, MQTT,
// RESP) implement Framer directly.
//
// Every framer enforces ReadOptions.MaxContentLength before allocating the content buffer,
// so a corrupted or hostile length field fails with ErrSizeExceeded instead of exhausting
// memory.
package framing
