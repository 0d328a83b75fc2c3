package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/inbound"
	"github.com/goliatone/go-wecom/security"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "callback-token"
	testCorpID = "ww-test"
)

var testAESKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), 32))[:43]

type signedEnvelope struct {
	Encrypt      string `xml:"Encrypt"`
	MsgSignature string `xml:"MsgSignature"`
	TimeStamp    string `xml:"TimeStamp"`
	Nonce        string `xml:"Nonce"`
}

func newTestServer(t *testing.T, text inbound.Handler, bodyLimit int64) (*Server, *security.MsgCrypt) {
	t.Helper()
	crypt, err := security.NewMsgCrypt(testToken, testAESKey, testCorpID)
	require.NoError(t, err)
	processor, err := inbound.NewProcessor(crypt, nil, &inbound.Router{Text: text}, nil)
	require.NoError(t, err)
	srv, err := New(processor, Config{BodyLimit: bodyLimit})
	require.NoError(t, err)
	return srv, crypt
}

func sealed(t *testing.T, crypt *security.MsgCrypt, plain string) signedEnvelope {
	t.Helper()
	raw, err := crypt.EncryptMsg([]byte(plain), "nonce-1", "1700000000")
	require.NoError(t, err)
	var env signedEnvelope
	require.NoError(t, xml.Unmarshal(raw, &env))
	return env
}

func postEnvelope(srv *Server, env signedEnvelope, body string) *httptest.ResponseRecorder {
	query := url.Values{}
	query.Set("msg_signature", env.MsgSignature)
	query.Set("timestamp", env.TimeStamp)
	query.Set("nonce", env.Nonce)
	req := httptest.NewRequest(http.MethodPost, "/?"+query.Encode(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func envelopeBody(env signedEnvelope) string {
	return "<xml><ToUserName><![CDATA[" + testCorpID + "]]></ToUserName><Encrypt><![CDATA[" + env.Encrypt + "]]></Encrypt></xml>"
}

func TestVerifyReturnsDecryptedEcho(t *testing.T) {
	srv, crypt := newTestServer(t, nil, 0)
	env := sealed(t, crypt, "echo-123")

	query := url.Values{}
	query.Set("msg_signature", env.MsgSignature)
	query.Set("timestamp", env.TimeStamp)
	query.Set("nonce", env.Nonce)
	query.Set("echostr", env.Encrypt)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+query.Encode(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "echo-123", rec.Body.String())
}

func TestVerifyFailureIsEmptyBadRequest(t *testing.T) {
	srv, crypt := newTestServer(t, nil, 0)
	env := sealed(t, crypt, "echo-123")

	query := url.Values{}
	query.Set("msg_signature", "forged")
	query.Set("timestamp", env.TimeStamp)
	query.Set("nonce", env.Nonce)
	query.Set("echostr", env.Encrypt)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+query.Encode(), nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestDeliveryRoutesTextAndReturnsReply(t *testing.T) {
	var got core.ParsedMessage
	srv, crypt := newTestServer(t, inbound.HandlerFunc(func(_ context.Context, msg core.ParsedMessage) (string, error) {
		got = msg
		return "pending", nil
	}), 0)
	env := sealed(t, crypt, "<xml><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[hello]]></Content><MsgId>42</MsgId></xml>")

	rec := postEnvelope(srv, env, envelopeBody(env))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", rec.Body.String())
	require.Equal(t, "hello", got.Get(core.FieldContent))
}

func TestDeliveryDecryptFailure(t *testing.T) {
	srv, crypt := newTestServer(t, nil, 0)
	env := sealed(t, crypt, "<xml><MsgType>text</MsgType></xml>")
	env.MsgSignature = "forged"

	rec := postEnvelope(srv, env, envelopeBody(env))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, inbound.BodyDecryptFailed, rec.Body.String())
}

func TestDeliveryParseFailure(t *testing.T) {
	srv, crypt := newTestServer(t, nil, 0)
	env := sealed(t, crypt, "<xml><MsgType>text</MsgType>")

	rec := postEnvelope(srv, env, envelopeBody(env))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, inbound.BodyParseFailed, rec.Body.String())
}

func TestDeliveryHandlerFailureIsNeutral(t *testing.T) {
	srv, crypt := newTestServer(t, inbound.HandlerFunc(func(context.Context, core.ParsedMessage) (string, error) {
		return "", core.TransportError(nil, "send failed", nil)
	}), 0)
	env := sealed(t, crypt, "<xml><MsgType>text</MsgType><Content>hi</Content></xml>")

	rec := postEnvelope(srv, env, envelopeBody(env))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestDeliveryRejectsOversizedBody(t *testing.T) {
	srv, crypt := newTestServer(t, nil, 64)
	env := sealed(t, crypt, "<xml><MsgType>text</MsgType></xml>")

	rec := postEnvelope(srv, env, envelopeBody(env))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, inbound.BodyDecryptFailed, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil, 0)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestNewRequiresProcessor(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
	require.True(t, core.IsBadInputError(err))
}

func TestConfigFromHTTPSection(t *testing.T) {
	cfg := ConfigFrom(core.HTTPConfig{Port: 9100, BodyLimitBytes: 2048, ReadTimeoutSeconds: 3, WriteTimeoutSeconds: 4}, nil)
	require.Equal(t, ":9100", cfg.Address)
	require.Equal(t, int64(2048), cfg.BodyLimit)
	require.Equal(t, "3s", cfg.ReadTimeout.String())
	require.Equal(t, "4s", cfg.WriteTimeout.String())
}
