// Package protocol implements the two wire protocols spoken by a Gearman
// job server.
//
// The binary job protocol frames every request and response identically:
// a 4-byte magic ("\0REQ" or "\0RES"), a big-endian uint32 packet type and a
// big-endian uint32 payload length, followed by the payload of NUL-separated
// fields. Response frames are validated against the exact field count their
// packet type mandates and decode into Packet values.
//
// The admin protocol is line-oriented ASCII: a newline-terminated command,
// answered by tab-delimited rows closed with a line containing a single dot.
// Typed parsers cover the status, workers, jobs and clients reports and the
// OK reply of maxqueue.
package protocol
