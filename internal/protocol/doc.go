// Package protocol implements the line-oriented request/response framing
// spoken between content servers, reading clients and the aggregation
// server. It is a small subset of HTTP/1.1: one request per connection,
// lenient header parsing and a Lamport-Clock header in both directions.
//
// Every read is bounded (line length, header count, body size) so a parse
// always terminates once the peer stops sending or closes.
package protocol
