package inbound

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/goliatone/go-wecom/core"
)

// XMLParser flattens the root's immediate children into a field map.
// Nested elements are skipped and the codec-only Encrypt field is dropped.
type XMLParser struct {
	// Exclude lists extra tags to drop besides Encrypt.
	Exclude []string
}

func NewXMLParser() XMLParser {
	return XMLParser{}
}

func (p XMLParser) Parse(data []byte) (core.ParsedMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, core.ParseError(nil, "inbound: empty xml document", nil)
	}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = true

	root, err := nextStart(decoder)
	if err != nil {
		return nil, core.ParseError(err, "inbound: parse xml", nil)
	}

	out := core.ParsedMessage{}
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, core.ParseError(err, "inbound: parse xml", map[string]any{"root": root.Name.Local})
		}
		switch tok := token.(type) {
		case xml.StartElement:
			value, err := scalarText(decoder)
			if err != nil {
				return nil, core.ParseError(err, "inbound: parse xml field", map[string]any{"field": tok.Name.Local})
			}
			if p.excluded(tok.Name.Local) {
				continue
			}
			out[tok.Name.Local] = strings.TrimSpace(value)
		case xml.EndElement:
			if err := trailing(decoder); err != nil {
				return nil, core.ParseError(err, "inbound: parse xml", map[string]any{"root": root.Name.Local})
			}
			return out, nil
		}
	}
}

func (p XMLParser) excluded(name string) bool {
	if name == core.FieldEncrypt {
		return true
	}
	for _, item := range p.Exclude {
		if item == name {
			return true
		}
	}
	return false
}

func nextStart(decoder *xml.Decoder) (xml.StartElement, error) {
	for {
		token, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, errors.New("no root element")
			}
			return xml.StartElement{}, err
		}
		switch tok := token.(type) {
		case xml.StartElement:
			return tok, nil
		case xml.CharData:
			if len(bytes.TrimSpace(tok)) > 0 {
				return xml.StartElement{}, errors.New("text before root element")
			}
		}
	}
}

// trailing consumes the document after the root end tag. Only whitespace,
// comments and processing instructions may follow.
func trailing(decoder *xml.Decoder) error {
	for {
		token, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch tok := token.(type) {
		case xml.StartElement:
			return errors.New("content after root element: <" + tok.Name.Local + ">")
		case xml.CharData:
			if len(bytes.TrimSpace(tok)) > 0 {
				return errors.New("text after root element")
			}
		}
	}
}

// scalarText reads the direct character data of the current element and
// consumes through its end tag.
func scalarText(decoder *xml.Decoder) (string, error) {
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			return "", err
		}
		switch tok := token.(type) {
		case xml.CharData:
			text.Write(tok)
		case xml.StartElement:
			if err := decoder.Skip(); err != nil {
				return "", err
			}
		case xml.EndElement:
			return text.String(), nil
		}
	}
}

var _ core.MessageParser = XMLParser{}
