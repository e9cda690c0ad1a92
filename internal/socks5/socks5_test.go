package socks5

import (
	"errors"
	"fmt"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

func TestClientDial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		clientAuth Auth
		serverAuth Auth
		rep        byte
		address    string
		wantErr    error
		wantRep    byte
	}{
		{name: "no_auth", address: "127.0.0.1:80"},
		{name: "domain", address: "example.com:443"},
		{name: "ipv6", address: "[::1]:8080"},
		{
			name:       "user_pass",
			clientAuth: Auth{Username: "user", Password: "pass"},
			serverAuth: Auth{Username: "user", Password: "pass"},
			address:    "127.0.0.1:80",
		},
		{
			name:       "bad_password",
			clientAuth: Auth{Username: "user", Password: "nope"},
			serverAuth: Auth{Username: "user", Password: "pass"},
			address:    "127.0.0.1:80",
			wantErr:    ErrAuthFailed,
		},
		{
			name:       "server_requires_auth",
			serverAuth: Auth{Username: "user", Password: "pass"},
			address:    "127.0.0.1:80",
			wantErr:    ErrNoAcceptableMethod,
		},
		{
			name:    "refused",
			rep:     txsocks5.RepConnectionRefused,
			address: "127.0.0.1:1",
			wantRep: txsocks5.RepConnectionRefused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()

			var g errgroup.Group
			g.Go(func() error {
				defer serverConn.Close()
				return serveOne(serverConn, tt.serverAuth, tt.address, tt.rep)
			})

			err := ClientDial(clientConn, tt.clientAuth, tt.address)
			_ = clientConn.Close()

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
			case tt.wantRep != 0:
				var re *ReplyError
				if !errors.As(err, &re) || re.Rep != tt.wantRep {
					t.Fatalf("got %v want reply 0x%02x", err, tt.wantRep)
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				if err := g.Wait(); err != nil {
					t.Fatal(err)
				}
			}
		})
	}
}

// serveOne answers a single SOCKS5 handshake on c. A zero rep means success.
func serveOne(c net.Conn, auth Auth, wantAddr string, rep byte) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return err
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	found := false
	for _, m := range neg.Methods {
		if m == want {
			found = true
		}
	}
	if !found {
		_, err := txsocks5.NewNegotiationReply(0xff).WriteTo(c)
		return err
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(c); err != nil {
		return err
	}

	if auth.Username != "" {
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return err
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != txsocks5.CmdConnect {
		return fmt.Errorf("unexpected command: %d", req.Cmd)
	}
	if got := req.Address(); got != wantAddr {
		return fmt.Errorf("got address %q want %q", got, wantAddr)
	}

	if rep == 0 {
		rep = txsocks5.RepSuccess
	}
	_, err = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{127, 0, 0, 1}, []byte{0x30, 0x39}).WriteTo(c)
	return err
}
