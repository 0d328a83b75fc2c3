package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-wecom/core"
)

// Platform message-crypto result codes.
const (
	CodeValidateSignature = -40001
	CodeParseXML          = -40002
	CodeComputeSignature  = -40003
	CodeIllegalAESKey     = -40004
	CodeValidateCorpID    = -40005
	CodeEncryptAES        = -40006
	CodeDecryptAES        = -40007
	CodeIllegalBuffer     = -40008
	CodeEncodeBase64      = -40009
	CodeDecodeBase64      = -40010
	CodeGenReturnXML      = -40011
)

const (
	aesKeyLength   = 32
	pkcs7BlockSize = 32
	randomPrefix   = 16
)

// CodecError carries a platform result code.
type CodecError struct {
	Code   int
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("security: %s (%d)", e.Reason, e.Code)
}

func (e *CodecError) ProcessCode() int {
	return e.Code
}

func codecError(code int, reason string) *CodecError {
	return &CodecError{Code: code, Reason: reason}
}

type Option func(*MsgCrypt)

// WithRandom replaces the random source used for the plaintext prefix.
func WithRandom(r io.Reader) Option {
	return func(c *MsgCrypt) {
		if r != nil {
			c.random = r
		}
	}
}

// WithNow replaces the clock used to stamp encrypted replies.
func WithNow(now func() time.Time) Option {
	return func(c *MsgCrypt) {
		if now != nil {
			c.now = now
		}
	}
}

// MsgCrypt implements the platform callback envelope: SHA1 signature over
// the sorted token, timestamp, nonce and ciphertext, and AES-256-CBC with
// PKCS#7 padding to 32 bytes over random(16) | len(4) | msg | receiver id.
type MsgCrypt struct {
	token      string
	key        []byte
	receiverID string
	random     io.Reader
	now        func() time.Time
}

func NewMsgCrypt(token string, encodingAESKey string, receiverID string, opts ...Option) (*MsgCrypt, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("security: callback token is required")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodingAESKey) + "=")
	if err != nil || len(key) != aesKeyLength {
		return nil, codecError(CodeIllegalAESKey, "illegal encoding aes key")
	}
	c := &MsgCrypt{
		token:      token,
		key:        key,
		receiverID: strings.TrimSpace(receiverID),
		random:     rand.Reader,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

// Signature computes msg_signature for the given parts.
func (c *MsgCrypt) Signature(timestamp string, nonce string, encrypt string) string {
	parts := []string{c.token, timestamp, nonce, encrypt}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifyURL validates the GET challenge and returns the decrypted echo.
func (c *MsgCrypt) VerifyURL(signature string, timestamp string, nonce string, echo string) ([]byte, error) {
	if !c.validSignature(signature, timestamp, nonce, echo) {
		return nil, codecError(CodeValidateSignature, "signature mismatch")
	}
	return c.decrypt(echo)
}

type inboundXML struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// DecryptMsg validates and decrypts a POST body.
func (c *MsgCrypt) DecryptMsg(signature string, timestamp string, nonce string, body []byte) ([]byte, error) {
	var envelope inboundXML
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, codecError(CodeParseXML, "parse envelope xml")
	}
	encrypt := strings.TrimSpace(envelope.Encrypt)
	if encrypt == "" {
		return nil, codecError(CodeParseXML, "envelope has no Encrypt field")
	}
	if !c.validSignature(signature, timestamp, nonce, encrypt) {
		return nil, codecError(CodeValidateSignature, "signature mismatch")
	}
	return c.decrypt(encrypt)
}

type cdata struct {
	Value string `xml:",cdata"`
}

type replyXML struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// EncryptMsg builds a signed reply envelope. An empty timestamp uses the clock.
func (c *MsgCrypt) EncryptMsg(reply []byte, nonce string, timestamp string) ([]byte, error) {
	if strings.TrimSpace(timestamp) == "" {
		timestamp = strconv.FormatInt(c.now().Unix(), 10)
	}
	encrypt, err := c.encrypt(reply)
	if err != nil {
		return nil, err
	}
	out, err := xml.Marshal(replyXML{
		Encrypt:      cdata{Value: encrypt},
		MsgSignature: cdata{Value: c.Signature(timestamp, nonce, encrypt)},
		TimeStamp:    timestamp,
		Nonce:        cdata{Value: nonce},
	})
	if err != nil {
		return nil, codecError(CodeGenReturnXML, "encode reply xml")
	}
	return out, nil
}

// VerifyChallenge adapts VerifyURL to the envelope codec contract.
func (c *MsgCrypt) VerifyChallenge(req core.ChallengeRequest) (string, error) {
	echo, err := c.VerifyURL(req.Signature, req.Timestamp, req.Nonce, req.Echo)
	if err != nil {
		return "", core.CryptoError(err, "security: challenge verification failed", codecMetadata(err))
	}
	return string(echo), nil
}

// Decrypt adapts DecryptMsg to the envelope codec contract.
func (c *MsgCrypt) Decrypt(env core.InboundEnvelope) ([]byte, error) {
	plain, err := c.DecryptMsg(env.Signature, env.Timestamp, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, core.CryptoError(err, "security: envelope decryption failed", codecMetadata(err))
	}
	return plain, nil
}

func (c *MsgCrypt) validSignature(signature string, timestamp string, nonce string, encrypt string) bool {
	expected := c.Signature(timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(signature))) == 1
}

func (c *MsgCrypt) encrypt(msg []byte) (string, error) {
	prefix := make([]byte, randomPrefix)
	if _, err := io.ReadFull(c.random, prefix); err != nil {
		return "", codecError(CodeEncryptAES, "read random prefix")
	}
	var buf bytes.Buffer
	buf.Write(prefix)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(msg)))
	buf.Write(size[:])
	buf.Write(msg)
	buf.WriteString(c.receiverID)

	plain := pkcs7Pad(buf.Bytes(), pkcs7BlockSize)
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", codecError(CodeEncryptAES, "init cipher")
	}
	sealed := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(sealed, plain)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *MsgCrypt) decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, codecError(CodeDecodeBase64, "decode ciphertext")
	}
	if len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return nil, codecError(CodeDecryptAES, "ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, codecError(CodeDecryptAES, "init cipher")
	}
	plain := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, sealed)

	plain, err = pkcs7Unpad(plain, pkcs7BlockSize)
	if err != nil {
		return nil, err
	}
	if len(plain) < randomPrefix+4 {
		return nil, codecError(CodeIllegalBuffer, "plaintext too short")
	}
	content := plain[randomPrefix:]
	size := int(binary.BigEndian.Uint32(content[:4]))
	if size < 0 || size > len(content)-4 {
		return nil, codecError(CodeIllegalBuffer, "declared length exceeds plaintext")
	}
	msg := content[4 : 4+size]
	receiverID := string(content[4+size:])
	if c.receiverID != "" && subtle.ConstantTimeCompare([]byte(receiverID), []byte(c.receiverID)) != 1 {
		return nil, codecError(CodeValidateCorpID, "receiver id mismatch")
	}
	return append([]byte(nil), msg...), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, codecError(CodeIllegalBuffer, "empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding < 1 || padding > blockSize || padding > len(data) {
		return nil, codecError(CodeIllegalBuffer, "invalid padding")
	}
	return data[:len(data)-padding], nil
}

func codecMetadata(err error) map[string]any {
	if coded, ok := err.(*CodecError); ok {
		return map[string]any{"codec_code": coded.Code}
	}
	return nil
}

var _ core.EnvelopeCodec = (*MsgCrypt)(nil)
