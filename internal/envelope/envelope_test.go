package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
)

// TestEncodeTextWireShape tests the exact JSON emitted for text
func TestEncodeTextWireShape(t *testing.T) {
	raw, err := EncodeText([]byte{0x01, 0x02}, []byte{0xAB})
	if err != nil {
		t.Fatalf("EncodeText() failed: %v", err)
	}
	want := `{"messageType":"text","encrypted":"ab","nonce":"0102"}`
	if string(raw) != want {
		t.Errorf("EncodeText() = %s, want %s", raw, want)
	}
}

// TestEncodeRawFileWireShape tests the exact JSON emitted for raw files
func TestEncodeRawFileWireShape(t *testing.T) {
	raw, err := EncodeRawFile("a.txt", []byte("hi"))
	if err != nil {
		t.Fatalf("EncodeRawFile() failed: %v", err)
	}
	want := `{"messageType":"file","data":"6869","fileName":"a.txt"}`
	if string(raw) != want {
		t.Errorf("EncodeRawFile() = %s, want %s", raw, want)
	}
}

// TestEncryptedFileData tests that the data field is a JSON string sub-envelope
func TestEncryptedFileData(t *testing.T) {
	raw, err := EncodeEncryptedFile("encrypted1.pdf", []byte{0xAA}, []byte{0xBB, 0xCC})
	if err != nil {
		t.Fatalf("EncodeEncryptedFile() failed: %v", err)
	}

	var outer map[string]string
	if err := json.Unmarshal(raw, &outer); err != nil {
		t.Fatalf("outer envelope is not a string map: %v", err)
	}
	if outer["data"] != `{"nonce":"aa","encrypted":"bbcc"}` {
		t.Errorf("data = %s", outer["data"])
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.Kind != KindFile || env.File.Name != "encrypted1.pdf" {
		t.Fatalf("Decode() = %+v", env)
	}
	if !env.File.Encrypted() {
		t.Fatal("file should be encrypted")
	}
	data := env.File.Data.(EncryptedData)
	if !bytes.Equal(data.Nonce, []byte{0xAA}) || !bytes.Equal(data.Ciphertext, []byte{0xBB, 0xCC}) {
		t.Errorf("sealed data = %+v", data)
	}
}

// TestDecodeText tests decoding a text envelope
func TestDecodeText(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x07}, 24)
	raw, _ := EncodeText(nonce, []byte("ciphertext"))

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.Kind != KindText {
		t.Fatalf("Kind = %s, want text", env.Kind)
	}
	if !bytes.Equal(env.Text.Nonce, nonce) || string(env.Text.Ciphertext) != "ciphertext" {
		t.Errorf("Text = %+v", env.Text)
	}
}

// TestDecodeFileData tests the structural raw-hex test
func TestDecodeFileData(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantRaw   []byte
		encrypted bool
		wantErr   bool
	}{
		{name: "raw hex", data: "68656c6c6f", wantRaw: []byte("hello")},
		{name: "sub-envelope", data: `{"nonce":"00","encrypted":"11"}`, encrypted: true},
		{name: "odd length hex", data: "abc", wantErr: true},
		{name: "uppercase hex", data: "ABCD", wantErr: true},
		{name: "empty", data: "", wantErr: true},
		{name: "sub-envelope missing nonce", data: `{"encrypted":"11"}`, wantErr: true},
		{name: "sub-envelope bad hex", data: `{"nonce":"zz","encrypted":"11"}`, wantErr: true},
		{name: "garbage", data: "not a thing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFileData(tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEnvelope) {
					t.Errorf("DecodeFileData() error = %v, want ErrMalformedEnvelope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFileData() failed: %v", err)
			}
			switch d := got.(type) {
			case RawData:
				if tt.encrypted {
					t.Fatal("got RawData, want EncryptedData")
				}
				if !bytes.Equal(d, tt.wantRaw) {
					t.Errorf("raw = %q, want %q", d, tt.wantRaw)
				}
			case EncryptedData:
				if !tt.encrypted {
					t.Fatal("got EncryptedData, want RawData")
				}
			}
		})
	}
}

// TestRawHexLooksLikeJSONNever tests that hex bodies are never parsed as JSON
func TestRawHexLooksLikeJSONNever(t *testing.T) {
	// "7b7d" is the hex of "{}"; it must stay a raw body
	raw, _ := EncodeRawFile("brace.txt", []byte("{}"))
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.File.Encrypted() {
		t.Fatal("raw hex body classified as encrypted")
	}
	if string(env.File.Data.(RawData)) != "{}" {
		t.Errorf("body = %q", env.File.Data)
	}
}

// TestDecodeErrors tests malformed wire messages
func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", "hello", ErrNotJSON},
		{"hex is a json number", "6869", ErrNotJSON},
		{"missing type", `{"nonce":"00","encrypted":"11"}`, ErrMissingMessageType},
		{"unknown type", `{"messageType":"video"}`, ErrUnknownMessageType},
		{"text missing nonce", `{"messageType":"text","encrypted":"11"}`, ErrMalformedEnvelope},
		{"text bad hex", `{"messageType":"text","encrypted":"1","nonce":"00"}`, ErrMalformedEnvelope},
		{"file without name", `{"messageType":"file","data":"00"}`, ErrMalformedEnvelope},
		{"file without data", `{"messageType":"file","fileName":"x"}`, ErrMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Decode() error = %v does not wrap ErrMalformedEnvelope", err)
			}
		})
	}
}

// TestDecodeLegacy tests the forms accepted from older peers
func TestDecodeLegacy(t *testing.T) {
	plain := hex.EncodeToString([]byte("hello there"))
	env, err := DecodeLegacy([]byte(plain))
	if err != nil {
		t.Fatalf("DecodeLegacy(hex) failed: %v", err)
	}
	if env.Kind != KindPlaintext || string(env.Plaintext) != "hello there" {
		t.Errorf("DecodeLegacy(hex) = %+v", env)
	}

	env, err = DecodeLegacy([]byte(`{"nonce":"0a","encrypted":"0b"}`))
	if err != nil {
		t.Fatalf("DecodeLegacy(bare) failed: %v", err)
	}
	if env.Kind != KindText || !bytes.Equal(env.Text.Nonce, []byte{0x0a}) {
		t.Errorf("DecodeLegacy(bare) = %+v", env)
	}

	if _, err := DecodeLegacy([]byte("plain words")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("DecodeLegacy(words) error = %v, want ErrMalformedEnvelope", err)
	}
}

// TestEncodeRejectsEmptyName tests encoder validation
func TestEncodeRejectsEmptyName(t *testing.T) {
	if _, err := EncodeRawFile("", []byte("x")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("EncodeRawFile() error = %v", err)
	}
	if _, err := EncodeEncryptedFile("", []byte{1}, []byte{2}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("EncodeEncryptedFile() error = %v", err)
	}
	if _, err := EncodeRawFile("empty.bin", nil); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("EncodeRawFile(empty) error = %v", err)
	}
}
