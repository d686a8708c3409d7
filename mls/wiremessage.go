package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// WireMessageType tags the outermost framing of a message exchanged over
// the wire, the same role SenderType/ContentType play one level down --
// neither MLSPlaintext, MLSCiphertext, nor Welcome identifies itself
// against a raw byte stream on its own.
type WireMessageType uint8

const (
	WireMessageInvalid    WireMessageType = 0
	WireMessagePlaintext  WireMessageType = 1
	WireMessageCiphertext WireMessageType = 2
	WireMessageWelcome    WireMessageType = 3
)

// WireMessage is the outer envelope a decryption pipeline reads off the
// wire before it knows anything else about a payload: a handshake
// message (Proposal/Commit, plaintext or record-layer protected) or a
// Welcome. Application messages travel as bare MLSCiphertext, since
// MLSCiphertext.ContentType already self-describes without needing this
// wrapper.
type WireMessage struct {
	Plaintext  *MLSPlaintext
	Ciphertext *MLSCiphertext
	Welcome    *Welcome
}

func (w WireMessage) Type() WireMessageType {
	switch {
	case w.Plaintext != nil:
		return WireMessagePlaintext
	case w.Ciphertext != nil:
		return WireMessageCiphertext
	case w.Welcome != nil:
		return WireMessageWelcome
	default:
		return WireMessageInvalid
	}
}

func (w WireMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	msgType := w.Type()
	if err := s.Write(msgType); err != nil {
		return nil, err
	}

	var err error
	switch msgType {
	case WireMessagePlaintext:
		err = s.Write(w.Plaintext)
	case WireMessageCiphertext:
		err = s.Write(w.Ciphertext)
	case WireMessageWelcome:
		err = s.Write(w.Welcome)
	default:
		err = fmt.Errorf("mls.wiremessage: invalid wire message type")
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (w *WireMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var msgType WireMessageType
	if _, err := s.Read(&msgType); err != nil {
		return 0, err
	}

	var err error
	switch msgType {
	case WireMessagePlaintext:
		w.Plaintext = new(MLSPlaintext)
		_, err = s.Read(w.Plaintext)
	case WireMessageCiphertext:
		w.Ciphertext = new(MLSCiphertext)
		_, err = s.Read(w.Ciphertext)
	case WireMessageWelcome:
		w.Welcome = new(Welcome)
		_, err = s.Read(w.Welcome)
	default:
		err = fmt.Errorf("mls.wiremessage: invalid wire message type")
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}
