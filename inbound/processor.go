package inbound

import (
	"context"

	"github.com/goliatone/go-wecom/core"
)

const (
	BodyDecryptFailed = "Decrypt failed"
	BodyParseFailed   = "Parse XML failed"
)

// Processor runs one callback through decrypt, parse and route.
type Processor struct {
	Codec  core.EnvelopeCodec
	Parser core.MessageParser
	Router *Router
	Logger core.Logger
}

func NewProcessor(codec core.EnvelopeCodec, parser core.MessageParser, router *Router, logger core.Logger) (*Processor, error) {
	if codec == nil {
		return nil, inboundInternal("inbound: envelope codec is required", nil)
	}
	if parser == nil {
		parser = NewXMLParser()
	}
	if router == nil {
		return nil, inboundInternal("inbound: router is required", nil)
	}
	return &Processor{Codec: codec, Parser: parser, Router: router, Logger: logger}, nil
}

// Process never returns an error: a non-zero Code marks a codec or parse
// failure, and later failures are logged and acknowledged with an empty body.
func (p *Processor) Process(ctx context.Context, env core.InboundEnvelope) core.CallbackResult {
	plain, err := p.Codec.Decrypt(env)
	if err != nil {
		if !core.IsCryptoError(err) {
			err = core.CryptoError(err, "inbound: envelope decryption failed", nil)
		}
		code := core.ProcessCode(err)
		core.LogWarn(ctx, p.Logger, "inbound: decrypt failed", core.ErrorFields(err, map[string]any{
			"process_code": code,
			"timestamp":    env.Timestamp,
		}))
		return core.CallbackResult{Code: code, Body: BodyDecryptFailed}
	}

	msg, err := p.Parser.Parse(plain)
	if err != nil {
		if !core.IsParseError(err) {
			err = core.ParseError(err, "inbound: parse xml", nil)
		}
		core.LogWarn(ctx, p.Logger, "inbound: parse failed", core.ErrorFields(err, map[string]any{
			"process_code": core.ProcessCodeParse,
		}))
		return core.CallbackResult{Code: core.ProcessCodeParse, Body: BodyParseFailed}
	}

	reply, err := p.Router.Route(ctx, msg)
	if err != nil {
		core.LogError(ctx, p.Logger, "inbound: handler failed", core.ErrorFields(err, map[string]any{
			"msg_type":  string(msg.MsgType()),
			"event":     string(msg.Event()),
			"msg_id":    msg.Get(core.FieldMsgID),
			"open_kfid": msg.Get(core.FieldOpenKfID),
		}))
		return core.CallbackResult{Code: core.ProcessCodeOK}
	}
	return core.CallbackResult{Code: core.ProcessCodeOK, Body: reply}
}

// Verify answers the URL-ownership challenge. On failure no plaintext is returned.
func (p *Processor) Verify(ctx context.Context, req core.ChallengeRequest) (string, error) {
	echo, err := p.Codec.VerifyChallenge(req)
	if err != nil {
		if !core.IsCryptoError(err) {
			err = core.CryptoError(err, "inbound: challenge verification failed", nil)
		}
		core.LogWarn(ctx, p.Logger, "inbound: challenge rejected", core.ErrorFields(err, map[string]any{
			"timestamp": req.Timestamp,
		}))
		return "", err
	}
	return echo, nil
}
