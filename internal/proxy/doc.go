// Package proxy implements the hcproxy listener side: a CONNECT-only HTTP
// proxy server.
//
// A connection is expected to start with a single "CONNECT host:port VERSION"
// line followed by a header block, which is read and discarded. Once the
// target is dialed the server answers "200 OK" and relays raw bytes in both
// directions until either side finishes. Nothing past the request line is
// interpreted.
package proxy
