package dial

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
)

// metadataExchangeTimeout bounds how long the preamble's two I/O steps may
// each take.
const metadataExchangeTimeout = 30 * time.Second

// authType mirrors the exchange's AuthType enum: whether the database
// connection that follows expects native database credentials or an
// automatic-IAM-authN bearer token.
type authType string

const (
	authTypeDBNative authType = "DB_NATIVE"
	authTypeAutoIAM  authType = "AUTO_IAM"
)

type metadataExchangeRequest struct {
	UserAgent   string   `json:"user_agent"`
	AuthType    authType `json:"auth_type"`
	Oauth2Token string   `json:"oauth2_token,omitempty"`
}

type metadataExchangeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// doMetadataExchange runs the optional second-generation preamble on an
// already-established TLS connection, before any database protocol bytes
// flow. It's gated on the instance's advertised capability (see
// instance.Metadata.SupportsMetadataExchange); skipping it is always safe,
// it's additive information for the server side of the connection.
//
// The wire format is a 4-byte big-endian length prefix followed by a
// JSON-encoded message, in both directions -- the same length-prefixed
// shape as the protobuf preamble this is modeled on, but JSON rather than
// protobuf since no message schema for this exchange was available to
// generate real protobuf bindings from.
func doMetadataExchange(conn net.Conn, uri instance.URI, iamAuthN bool, identityToken string) error {
	at := authTypeDBNative
	if iamAuthN {
		at = authTypeAutoIAM
	}
	req := metadataExchangeRequest{
		UserAgent:   "dbconnector/1.0",
		AuthType:    at,
		Oauth2Token: identityToken,
	}

	if err := writeFramed(conn, req); err != nil {
		return errtype.NewHandshakeError("metadata exchange write failed", uri.String(), err)
	}

	var resp metadataExchangeResponse
	if err := readFramed(conn, &resp); err != nil {
		return errtype.NewHandshakeError("metadata exchange read failed", uri.String(), err)
	}
	if !resp.OK {
		return errtype.NewHandshakeError(
			fmt.Sprintf("server rejected metadata exchange: %s", resp.Error), uri.String(), nil,
		)
	}
	return nil
}

func writeFramed(conn net.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(metadataExchangeTimeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

func readFramed(conn net.Conn, v any) error {
	if err := conn.SetReadDeadline(time.Now().Add(metadataExchangeTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
