// Package wire defines the JSON messages exchanged over a TunnelManager's
// control channel and the encode/decode helpers around them.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/coinstash/tunnelmux/internal/tunnelid"
)

// Type discriminates the wire message kinds.
type Type string

const (
	TypeCreateProxy        Type = "createProxy"
	TypeCreateReverseProxy Type = "createReverseProxy"
	TypeProxyCreated       Type = "proxyCreated"
	TypeProxyError         Type = "proxyError"
	TypeNewConnection      Type = "newConnection"
	TypeData               Type = "data"
	TypeEnd                Type = "end"
	TypeClose              Type = "close"
	TypeCloseProxy         Type = "closeProxy"
)

// Family names the IP family a proxy or connector binds on the wire.
// It travels as a boolean (useIPv4) to match the field spec.md names.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

func (f Family) useIPv4() bool { return f == FamilyIPv4 }

func familyFromBool(useIPv4 bool) Family {
	if useIPv4 {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// envelope is the shape every message shares: a type tag plus whatever
// the specific kind adds. Decode reads it twice - once to learn Type,
// once (via the typed struct) to pull the rest of the fields.
type envelope struct {
	Type Type `json:"type"`
}

// CreateProxy announces a forward tunnel whose listener the requester
// has already bound. The peer binds nothing; for each NewConnection on
// TunnelID it dials RemotePort on its own loopback address.
type CreateProxy struct {
	TunnelID   tunnelid.ID `json:"tunnelId"`
	RemotePort int         `json:"remotePort"`
	UseIPv4    bool        `json:"useIPv4"`
}

func (m CreateProxy) Family() Family { return familyFromBool(m.UseIPv4) }

// CreateReverseProxy asks the peer to bind a listener on RemotePort.
// Connections the peer accepts there are announced back over TunnelID
// via NewConnection; this side then dials its own localPort to relay
// them (the requester never learns RemotePort's local counterpart -
// that's tracked purely by TunnelID on both ends).
type CreateReverseProxy struct {
	TunnelID   tunnelid.ID `json:"tunnelId"`
	RemotePort int         `json:"remotePort"`
	UseIPv4    bool        `json:"useIPv4"`
}

func (m CreateReverseProxy) Family() Family { return familyFromBool(m.UseIPv4) }

// ProxyCreated resolves a pending CreateProxy/CreateReverseProxy.
type ProxyCreated struct {
	TunnelID tunnelid.ID `json:"tunnelId"`
}

// ProxyError rejects a pending CreateProxy/CreateReverseProxy. Cause is
// kept as raw JSON: the peer's error shape is not standardized, only its
// optional "code" field is (see ProxyError.Code).
type ProxyError struct {
	TunnelID tunnelid.ID     `json:"tunnelId"`
	Error    json.RawMessage `json:"error"`
}

// Code extracts the peer error's "code" field, if the raw cause is a
// JSON object carrying one. Returns "" otherwise.
func (m ProxyError) Code() string {
	var tagged struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(m.Error, &tagged); err != nil {
		return ""
	}
	return tagged.Code
}

// NewConnection announces a freshly accepted (or dialed) socket that the
// receiver must register under ConnectionID.
type NewConnection struct {
	TunnelID     tunnelid.ID `json:"tunnelId"`
	ConnectionID tunnelid.ID `json:"connectionId"`
}

// Data carries a chunk of socket bytes. Payload is base64 on the wire
// because JSON strings are text; json.RawMessage/[]byte marshaling
// handles that transparently.
type Data struct {
	TunnelID     tunnelid.ID `json:"tunnelId"`
	ConnectionID tunnelid.ID `json:"connectionId"`
	Payload      []byte      `json:"payload"`
}

// End signals a half-close (the sender will write no more data on this
// connection, but may still read).
type End struct {
	TunnelID     tunnelid.ID `json:"tunnelId"`
	ConnectionID tunnelid.ID `json:"connectionId"`
}

// Close signals the full teardown of one connection.
type Close struct {
	TunnelID     tunnelid.ID `json:"tunnelId"`
	ConnectionID tunnelid.ID `json:"connectionId"`
}

// CloseProxy tears down an entire tunnel and every connection on it.
type CloseProxy struct {
	TunnelID tunnelid.ID `json:"tunnelId"`
}

// Encode marshals a typed message with its type tag attached. msg must
// be one of the structs declared in this file.
func Encode(msg any) (string, error) {
	var t Type
	switch msg.(type) {
	case CreateProxy:
		t = TypeCreateProxy
	case CreateReverseProxy:
		t = TypeCreateReverseProxy
	case ProxyCreated:
		t = TypeProxyCreated
	case ProxyError:
		t = TypeProxyError
	case NewConnection:
		t = TypeNewConnection
	case Data:
		t = TypeData
	case End:
		t = TypeEnd
	case Close:
		t = TypeClose
	case CloseProxy:
		t = TypeCloseProxy
	default:
		return "", fmt.Errorf("wire: encode: unsupported message type %T", msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("wire: encode %s: %w", t, err)
	}

	// Merge the type tag into the body's object by re-decoding into a
	// generic map; message structs are small enough that this is not a
	// hot path relative to the socket I/O it feeds.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("wire: encode %s: %w", t, err)
	}
	tagged, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	fields["type"] = tagged

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("wire: encode %s: %w", t, err)
	}
	return string(out), nil
}

// Decode reads the type tag from raw and unmarshals the remainder into
// the matching typed struct, returned as `any`. Callers switch on the
// concrete type. An unrecognized type or malformed body is an error the
// caller should log and drop (spec's ProtocolViolation), never surface
// to a waiting caller.
func Decode(raw string) (any, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	var target any
	switch env.Type {
	case TypeCreateProxy:
		target = &CreateProxy{}
	case TypeCreateReverseProxy:
		target = &CreateReverseProxy{}
	case TypeProxyCreated:
		target = &ProxyCreated{}
	case TypeProxyError:
		target = &ProxyError{}
	case TypeNewConnection:
		target = &NewConnection{}
	case TypeData:
		target = &Data{}
	case TypeEnd:
		target = &End{}
	case TypeClose:
		target = &Close{}
	case TypeCloseProxy:
		target = &CloseProxy{}
	default:
		return nil, fmt.Errorf("wire: decode: unknown type %q", env.Type)
	}

	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
	}

	switch v := target.(type) {
	case *CreateProxy:
		return *v, nil
	case *CreateReverseProxy:
		return *v, nil
	case *ProxyCreated:
		return *v, nil
	case *ProxyError:
		return *v, nil
	case *NewConnection:
		return *v, nil
	case *Data:
		return *v, nil
	case *End:
		return *v, nil
	case *Close:
		return *v, nil
	case *CloseProxy:
		return *v, nil
	default:
		return nil, fmt.Errorf("wire: decode: unreachable type %T", target)
	}
}
