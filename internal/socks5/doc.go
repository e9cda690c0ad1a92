// Package socks5 implements the client half of a SOCKS5 CONNECT handshake
// on top of the wire types in github.com/txthinking/socks5.
//
// hcproxy uses it to chain outbound connections through an upstream SOCKS5
// proxy. It does not implement a SOCKS5 server.
package socks5
