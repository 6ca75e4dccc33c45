// Package stream moves a payload of known length over a pipe in fixed-size chunks.
//
// Transfers are strictly lock-step: the sender writes a chunk and waits for the
// receiver's acknowledgement, which carries the number of bytes received so far, before
// it reads the next chunk from its source. Chunks and acknowledgements are framed by a
// Codec; SVCodec uses self-verifying frames and MQTTCodec uses MQTT PUBLISH / PUBACK
// packets.
//
// Both sides compute an XXH3 digest of the bytes they transferred, which callers can
// compare out of band.
package stream
