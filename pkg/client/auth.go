package client

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/xdg-go/scram"
	"golang.org/x/crypto/pbkdf2"
)

// Auth verifies the client against the configured method and the
// password on record for its user.
func Auth(cl *PsqlClient, method config.AuthMethod, password string) error {
	switch method {
	case config.AuthTrust:
		return nil

	case config.AuthDeny:
		return pgerror.Newf(pgerror.InvalidPassword, "user %v %v blocked", cl.Usr(), cl.DB())

	case config.AuthClearText:
		passwd, err := receivePassword(cl, pgproto3.AuthTypeCleartextPassword)
		if err != nil {
			return err
		}
		if passwd != password {
			return pgerror.Newf(pgerror.InvalidPassword, "user %v %v auth failed", cl.Usr(), cl.DB())
		}
		return nil

	case config.AuthMD5:
		return authMD5(cl, password)

	case config.AuthSCRAM:
		return authSCRAM(cl, password)

	default:
		return fmt.Errorf("unknown auth method %v", method)
	}
}

func receivePassword(cl *PsqlClient, authType uint32) (string, error) {
	var req pgproto3.BackendMessage
	switch authType {
	case pgproto3.AuthTypeCleartextPassword:
		req = &pgproto3.AuthenticationCleartextPassword{}
	default:
		return "", fmt.Errorf("unexpected auth type %d", authType)
	}

	if err := cl.Send(req); err != nil {
		return "", err
	}
	if err := cl.be.SetAuthType(authType); err != nil {
		return "", err
	}

	msg, err := cl.Receive()
	if err != nil {
		return "", err
	}

	switch v := msg.(type) {
	case *pgproto3.PasswordMessage:
		return v.Password, nil
	default:
		return "", pgerror.Newf(pgerror.ProtocolViolation, "unexpected message type %T during auth", msg)
	}
}

func authMD5(cl *PsqlClient, password string) error {
	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return err
	}
	salt := [4]byte{randBytes[0], randBytes[1], randBytes[2], randBytes[3]}

	if err := cl.Send(&pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
		return err
	}
	if err := cl.be.SetAuthType(pgproto3.AuthTypeMD5Password); err != nil {
		return err
	}

	msg, err := cl.Receive()
	if err != nil {
		return err
	}
	resp, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return pgerror.Newf(pgerror.ProtocolViolation, "unexpected message type %T during auth", msg)
	}

	hash := md5.New()
	/* accept encrypted version of passwd */
	if len(password) == 35 && password[0:3] == "md5" {
		hash.Write([]byte(password[3:]))
	} else {
		innerhash := md5.New()
		innerhash.Write([]byte(password + cl.Usr()))
		hash.Write([]byte(hex.EncodeToString(innerhash.Sum(nil))))
	}
	hash.Write([]byte{salt[0], salt[1], salt[2], salt[3]})
	token := "md5" + hex.EncodeToString(hash.Sum(nil))

	if resp.Password != token {
		return pgerror.Newf(pgerror.InvalidPassword, "user %v %v: md5 password mismatch", cl.Usr(), cl.DB())
	}
	return nil
}

func authSCRAM(cl *PsqlClient, password string) error {
	const scramSaltLen = 16
	const scramIterCount = 4096
	const scramKeyLen = 32

	salt := make([]byte, scramSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, scramIterCount, scramKeyLen, sha256.New)

	h := hmac.New(sha256.New, saltedPassword)
	h.Write([]byte("Server Key"))
	serverKey := h.Sum(nil)

	h.Reset()
	h.Write([]byte("Client Key"))
	clientKeyHash := sha256.New()
	clientKeyHash.Write(h.Sum(nil))
	storedKey := clientKeyHash.Sum(nil)

	server, err := scram.SHA256.NewServer(func(username string) (scram.StoredCredentials, error) {
		return scram.StoredCredentials{
			KeyFactors: scram.KeyFactors{
				Salt:  string(salt),
				Iters: scramIterCount,
			},
			ServerKey: serverKey,
			StoredKey: storedKey,
		}, nil
	})
	if err != nil {
		return err
	}
	conv := server.NewConversation()

	if err := cl.Send(&pgproto3.AuthenticationSASL{
		AuthMechanisms: []string{"SCRAM-SHA-256"},
	}); err != nil {
		return err
	}
	if err := cl.be.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
		return err
	}

	msg, err := cl.Receive()
	if err != nil {
		return err
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		return pgerror.Newf(pgerror.ProtocolViolation, "unexpected message type %T during auth", msg)
	}
	if initial.AuthMechanism != "SCRAM-SHA-256" {
		return fmt.Errorf("incorrect auth mechanism %s", initial.AuthMechanism)
	}

	secondMsg, err := conv.Step(string(initial.Data))
	if err != nil {
		return pgerror.Newf(pgerror.InvalidPassword, "user %v %v auth failed", cl.Usr(), cl.DB())
	}

	if err := cl.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(secondMsg)}); err != nil {
		return err
	}
	if err := cl.be.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
		return err
	}

	msg, err = cl.Receive()
	if err != nil {
		return err
	}
	response, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return pgerror.Newf(pgerror.ProtocolViolation, "unexpected message type %T during auth", msg)
	}

	finalMsg, err := conv.Step(string(response.Data))
	if err != nil {
		return pgerror.Newf(pgerror.InvalidPassword, "user %v %v auth failed", cl.Usr(), cl.DB())
	}

	return cl.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(finalMsg)})
}
