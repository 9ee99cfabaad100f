package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Reply codes a server may send.
var (
	RepSuccess             = txsocks5.RepSuccess
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
)

// ServerNegotiate reads the client greeting and performs auth. With an empty
// auth.Username only the no-auth method is accepted.
func ServerNegotiate(rw io.ReadWriter, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	want := txsocks5.MethodNone
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(rw)
		return fmt.Errorf("client does not offer method %#x", want)
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	if auth.Username == "" {
		return nil
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's command request.
func ServerReadRequest(r io.Reader) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// WriteSuccessReply reports success with bound as the server-side address.
func WriteSuccessReply(w io.Writer, bound net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound, err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailureReply sends rep with a zero bound address.
func WriteFailureReply(w io.Writer, rep byte) error {
	if rep == txsocks5.RepSuccess {
		return errors.New("failure reply with success code")
	}
	_, err := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(w)
	return err
}
