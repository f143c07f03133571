package server

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/xdg-go/scram"
)

// authBackend answers the backend's authentication request using the
// endpoint's configured credentials.
func authBackend(s *Conn, msg pgproto3.BackendMessage) error {
	switch v := msg.(type) {
	case *pgproto3.AuthenticationMD5Password:
		password := s.endpoint.Password
		username := s.endpoint.User

		var res []byte
		/* password may be configured in partially-calculated
		 * form to hide the original passwd string */
		if len(password) == 35 && password[0:3] == "md5" {
			res = []byte(password[3:])
		} else {
			hash := md5.New()
			hash.Write([]byte(password + username))
			res = []byte(hex.EncodeToString(hash.Sum(nil)))
		}

		hashSalted := md5.New()
		hashSalted.Write(res)
		hashSalted.Write([]byte{v.Salt[0], v.Salt[1], v.Salt[2], v.Salt[3]})
		psswd := hex.EncodeToString(hashSalted.Sum(nil))

		s.frontend.Send(&pgproto3.PasswordMessage{Password: "md5" + psswd})
		return s.frontend.Flush()

	case *pgproto3.AuthenticationCleartextPassword:
		s.frontend.Send(&pgproto3.PasswordMessage{Password: s.endpoint.Password})
		return s.frontend.Flush()

	case *pgproto3.AuthenticationSASL:
		return authBackendSASL(s, v)

	default:
		return fmt.Errorf("backend authentication %T not supported", msg)
	}
}

func authBackendSASL(s *Conn, req *pgproto3.AuthenticationSASL) error {
	mechOK := false
	for _, m := range req.AuthMechanisms {
		if m == "SCRAM-SHA-256" {
			mechOK = true
		}
	}
	if !mechOK {
		return fmt.Errorf("backend offers no supported SASL mechanism: %v", req.AuthMechanisms)
	}

	client, err := scram.SHA256.NewClient(s.endpoint.User, s.endpoint.Password, "")
	if err != nil {
		return err
	}
	conv := client.NewConversation()

	firstMsg, err := conv.Step("")
	if err != nil {
		return err
	}

	s.frontend.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: "SCRAM-SHA-256",
		Data:          []byte(firstMsg),
	})
	if err := s.frontend.Flush(); err != nil {
		return err
	}

	for {
		msg, err := s.frontend.Receive()
		if err != nil {
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.AuthenticationSASLContinue:
			next, err := conv.Step(string(v.Data))
			if err != nil {
				return err
			}
			s.frontend.Send(&pgproto3.SASLResponse{Data: []byte(next)})
			if err := s.frontend.Flush(); err != nil {
				return err
			}

		case *pgproto3.AuthenticationSASLFinal:
			if _, err := conv.Step(string(v.Data)); err != nil {
				return fmt.Errorf("server signature verification failed: %w", err)
			}
			return nil

		case *pgproto3.AuthenticationOk:
			return nil

		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%s: %s", v.Code, v.Message)

		default:
			return fmt.Errorf("unexpected message %T during SASL auth", msg)
		}
	}
}
