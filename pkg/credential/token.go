// Copyright 2024-2026 Aiku AI

package credential

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const (
	// FileTokenJSON is the structured text form of the session token.
	FileTokenJSON   = "token.json"
	// FileTokenBinary is the fixed-layout binary form, preferred on read.
	FileTokenBinary = "token.bin"

	// TokenFieldSize is the width of every opaque token field.
	TokenFieldSize  = 4
	tokenFieldCount = 9
	// TokenBinarySize is the exact length of an encoded token.
	TokenBinarySize = 8 + tokenFieldCount*TokenFieldSize
)

// Token is the cached session credential of one IM account.
type Token struct {
	UIN                int64  `json:"uin"`
	D2                 []byte `json:"d2"`
	D2Key              []byte `json:"d2key"`
	TGT                []byte `json:"tgt"`
	SRMToken           []byte `json:"srm_token"`
	T133               []byte `json:"t133"`
	EncryptedA1        []byte `json:"encrypted_a1"`
	OutPacketSessionID []byte `json:"out_packet_session_id"`
	TGTGTKey           []byte `json:"tgtgt_key"`
	WTSessionTicketKey []byte `json:"wt_session_ticket_key"`
}

// fields returns the opaque fields in their pinned binary order.
func (t *Token) fields() []*[]byte {
	return []*[]byte{
		&t.D2,
		&t.D2Key,
		&t.TGT,
		&t.SRMToken,
		&t.T133,
		&t.EncryptedA1,
		&t.OutPacketSessionID,
		&t.TGTGTKey,
		&t.WTSessionTicketKey,
	}
}

// EncodeToken serializes t into the 44-byte binary form: the big-endian uin
// followed by the nine opaque fields.
func EncodeToken(t *Token) ([]byte, error) {
	if t == nil {
		return nil, newError(KindToken, OpSerialization, "nil token", nil)
	}
	buf := make([]byte, 8, TokenBinarySize)
	binary.BigEndian.PutUint64(buf, uint64(t.UIN))
	for i, field := range t.fields() {
		if len(*field) != TokenFieldSize {
			return nil, newError(KindToken, OpSerialization,
				fmt.Sprintf("field %d is %d bytes, want %d", i, len(*field), TokenFieldSize), nil)
		}
		buf = append(buf, *field...)
	}
	return buf, nil
}

// DecodeToken parses the binary token form. Any buffer that is not exactly
// TokenBinarySize bytes long is rejected.
func DecodeToken(buf []byte) (*Token, error) {
	if len(buf) < 8 {
		return nil, newError(KindToken, OpDeserialization,
			fmt.Sprintf("buffer is %d bytes, too short for uin", len(buf)), nil)
	}
	t := &Token{UIN: int64(binary.BigEndian.Uint64(buf[:8]))}
	offset := 8
	for i, field := range t.fields() {
		end := offset + TokenFieldSize
		if end > len(buf) {
			return nil, newError(KindToken, OpDeserialization,
				fmt.Sprintf("field %d truncated at byte %d", i, len(buf)), nil)
		}
		*field = append([]byte(nil), buf[offset:end]...)
		offset = end
	}
	if offset != len(buf) {
		return nil, newError(KindToken, OpDeserialization,
			fmt.Sprintf("%d trailing bytes", len(buf)-offset), nil)
	}
	return t, nil
}

// LoadToken reads the session token stored in dir. The binary form is tried
// first; when it is missing or cannot be decoded the JSON form is used.
func LoadToken(dir string) (*Token, error) {
	exists, err := dirExists(dir)
	if err != nil {
		return nil, newError(KindToken, OpRead, dir, err)
	}
	if !exists {
		return nil, newError(KindToken, OpNotFound, "account directory "+dir, nil)
	}

	var binErr error
	binPath := filepath.Join(dir, FileTokenBinary)
	if data, err := os.ReadFile(binPath); err == nil {
		token, decodeErr := DecodeToken(data)
		if decodeErr == nil {
			return token, nil
		}
		binErr = decodeErr
	}

	jsonPath := filepath.Join(dir, FileTokenJSON)
	data, err := os.ReadFile(jsonPath)
	if errors.Is(err, os.ErrNotExist) {
		if binErr != nil {
			return nil, binErr
		}
		return nil, newError(KindToken, OpNotFound, "no token file in "+dir, nil)
	} else if err != nil {
		return nil, newError(KindToken, OpRead, jsonPath, err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, newError(KindToken, OpDeserialization, jsonPath, err)
	}
	return &token, nil
}

// SaveToken writes t as token.json in dir. The write is atomic: on error the
// previous token file is left intact. A leftover token.bin is removed
// afterwards so the stale binary form cannot shadow the fresh token.
func SaveToken(dir string, t *Token) error {
	if t == nil {
		return newError(KindToken, OpSerialization, "nil token", nil)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return newError(KindToken, OpSerialization, "", err)
	}
	path := filepath.Join(dir, FileTokenJSON)
	if err := renameio.WriteFile(path, data, fileMode); err != nil {
		return newError(KindToken, OpWrite, path, err)
	}
	binPath := filepath.Join(dir, FileTokenBinary)
	if err := os.Remove(binPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return newError(KindToken, OpWrite, "remove stale "+binPath, err)
	}
	return nil
}
