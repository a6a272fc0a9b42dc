package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// Field order follows the wire shapes peers already emit.
type textWire struct {
	MessageType Kind   `json:"messageType"`
	Encrypted   string `json:"encrypted"`
	Nonce       string `json:"nonce"`
}

type fileWire struct {
	MessageType Kind   `json:"messageType"`
	Data        string `json:"data"`
	FileName    string `json:"fileName"`
}

type sealedWire struct {
	Nonce     string `json:"nonce"`
	Encrypted string `json:"encrypted"`
}

// probe accepts any of the shapes above.
type probe struct {
	MessageType *string `json:"messageType"`
	Encrypted   *string `json:"encrypted"`
	Nonce       *string `json:"nonce"`
	Data        *string `json:"data"`
	FileName    *string `json:"fileName"`
}

var rawHexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// IsRawHex reports whether s is an even-length, non-empty string of
// lowercase hex digits. Such file data is never treated as ciphertext.
func IsRawHex(s string) bool {
	return len(s)%2 == 0 && rawHexPattern.MatchString(s)
}

// EncodeText builds a text envelope from an encrypted payload.
func EncodeText(nonce, ciphertext []byte) ([]byte, error) {
	return json.Marshal(textWire{
		MessageType: KindText,
		Encrypted:   hex.EncodeToString(ciphertext),
		Nonce:       hex.EncodeToString(nonce),
	})
}

// EncodeRawFile builds a file envelope carrying the body as hex.
func EncodeRawFile(name string, data []byte) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty file name", ErrMalformedEnvelope)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file body", ErrMalformedEnvelope)
	}
	return json.Marshal(fileWire{
		MessageType: KindFile,
		Data:        hex.EncodeToString(data),
		FileName:    name,
	})
}

// EncodeEncryptedFile builds a file envelope whose data is a sealed
// sub-envelope serialized as a JSON string.
func EncodeEncryptedFile(name string, nonce, ciphertext []byte) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty file name", ErrMalformedEnvelope)
	}
	sealed, err := json.Marshal(sealedWire{
		Nonce:     hex.EncodeToString(nonce),
		Encrypted: hex.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(fileWire{
		MessageType: KindFile,
		Data:        string(sealed),
		FileName:    name,
	})
}

// Decode parses a wire message into an Envelope.
//
// Errors wrap ErrMalformedEnvelope. Input that is not a JSON object yields
// ErrNotJSON and an object without messageType yields
// ErrMissingMessageType; callers that accept older peers pass those to
// DecodeLegacy.
func Decode(raw []byte) (*Envelope, error) {
	p, err := decodeProbe(raw)
	if err != nil {
		return nil, err
	}

	if p.MessageType == nil {
		return nil, ErrMissingMessageType
	}

	switch Kind(*p.MessageType) {
	case KindText:
		text, err := decodeSealed(p.Nonce, p.Encrypted)
		if err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindText, Text: &Text{Nonce: text.Nonce, Ciphertext: text.Ciphertext}}, nil

	case KindFile:
		if p.FileName == nil || *p.FileName == "" {
			return nil, fmt.Errorf("%w: file without name", ErrMalformedEnvelope)
		}
		if p.Data == nil {
			return nil, fmt.Errorf("%w: file %q without data", ErrMalformedEnvelope, *p.FileName)
		}
		data, err := DecodeFileData(*p.Data)
		if err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindFile, File: &File{Name: *p.FileName, Data: data}}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, *p.MessageType)
	}
}

// DecodeLegacy accepts the forms older peers emit on the text path: a bare
// {"nonce","encrypted"} object, or hex-encoded UTF-8 that was never
// encrypted.
func DecodeLegacy(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		p, err := decodeProbe(trimmed)
		if err != nil {
			return nil, err
		}
		text, err := decodeSealed(p.Nonce, p.Encrypted)
		if err != nil {
			return nil, err
		}
		return &Envelope{Kind: KindText, Text: &Text{Nonce: text.Nonce, Ciphertext: text.Ciphertext}}, nil
	}

	s := string(trimmed)
	if !IsRawHex(s) {
		return nil, fmt.Errorf("%w: neither JSON nor hex", ErrMalformedEnvelope)
	}
	plain, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &Envelope{Kind: KindPlaintext, Plaintext: plain}, nil
}

// DecodeFileData classifies a file data string. Raw hex is checked first;
// anything else must parse as a sealed sub-envelope.
func DecodeFileData(data string) (FileData, error) {
	if IsRawHex(data) {
		b, err := hex.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return RawData(b), nil
	}

	var p probe
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: file data is neither hex nor JSON: %v", ErrMalformedEnvelope, err)
	}
	return decodeSealed(p.Nonce, p.Encrypted)
}

func decodeProbe(raw []byte) (*probe, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return &p, nil
}

func decodeSealed(nonceHex, encryptedHex *string) (EncryptedData, error) {
	if nonceHex == nil || *nonceHex == "" || encryptedHex == nil || *encryptedHex == "" {
		return EncryptedData{}, fmt.Errorf("%w: missing nonce or encrypted field", ErrMalformedEnvelope)
	}
	nonce, err := hex.DecodeString(*nonceHex)
	if err != nil {
		return EncryptedData{}, fmt.Errorf("%w: nonce: %v", ErrMalformedEnvelope, err)
	}
	ct, err := hex.DecodeString(*encryptedHex)
	if err != nil {
		return EncryptedData{}, fmt.Errorf("%w: encrypted: %v", ErrMalformedEnvelope, err)
	}
	return EncryptedData{Nonce: nonce, Ciphertext: ct}, nil
}
