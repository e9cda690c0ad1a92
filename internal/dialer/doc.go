// Package dialer provides the outbound side of hcproxy.
//
// A Dialer opens the target connection for an accepted CONNECT request,
// either directly or through an upstream HTTP(S) or SOCKS5 proxy selected by
// URL.
package dialer
