// Package streaming implements a bidirectional, multiplexed request/response
// protocol over a single WebSocket or stream connection.
//
// A Client dials a host; a Server wraps a connection the host accepted. Once
// connected either side may Send requests, and each side answers requests
// from the other through its RequestHandler. Any number of requests may be
// in flight at once; each is matched to its response by a random ID, and
// bodies larger than one frame are split and reassembled transparently.
package streaming
