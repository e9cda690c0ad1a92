package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrAuthFailed means the proxy rejected the configured credentials.
	ErrAuthFailed = errors.New("socks5: authentication failed")

	// ErrNoAcceptableMethod means the proxy accepted none of the offered
	// authentication methods.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
)

// Auth configures optional username/password authentication.
type Auth struct {
	Username string
	Password string
}

// ReplyError is a non-success reply to a CONNECT request.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect failed: %s", replyText(e.Rep))
}

// ClientDial negotiates authentication on rw and asks the proxy to CONNECT to
// address. On success rw carries the tunneled stream.
func ClientDial(rw io.ReadWriter, auth Auth, address string) error {
	if err := negotiate(rw, auth); err != nil {
		return err
	}
	return connect(rw, address)
}

func negotiate(rw io.ReadWriter, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = []byte{txsocks5.MethodUsernamePassword}
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("socks5: write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("socks5: read negotiation: %w", err)
	}

	switch {
	case neg.Method == txsocks5.MethodNone && auth.Username == "":
		return nil
	case neg.Method == txsocks5.MethodUsernamePassword && auth.Username != "":
	default:
		return ErrNoAcceptableMethod
	}

	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
		return fmt.Errorf("socks5: write userpass: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("socks5: read userpass: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

func connect(rw io.ReadWriter, address string) error {
	atyp, addr, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5: parse address %q: %w", address, err)
	}
	// ParseAddress length-prefixes domain names; NewRequest adds its own.
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(rw); err != nil {
		return fmt.Errorf("socks5: write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}

func replyText(rep byte) string {
	switch rep {
	case txsocks5.RepServerFailure:
		return "general server failure"
	case txsocks5.RepNotAllowed:
		return "connection not allowed"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply 0x%02x", rep)
	}
}
