// Package svframe implements the self-verifying control protocol.
//
// A frame is a 32-byte head followed by an obfuscated payload:
//
//	[0:4)   opcode, little-endian
//	[4:8)   correlation (user code), little-endian
//	[8:24)  16-byte token shared by both peers
//	[24:28) reserved, zero
//	[28:32) payload length, little-endian
//
// The receiver answers every frame with an 8-byte little-endian acknowledgement carrying
// the number of bytes it received (32 + payload length). A sender that gets any other
// value, or a receiver that sees a foreign token, aborts and closes the connection.
//
// The payload obfuscation (XOR with the token and a constant) keeps the wire format
// compatible with existing peers. It provides no confidentiality.
package svframe
