// Package ingest turns uploaded files into index-ready text: it decodes
// bytes into UTF-8 according to the declared MIME kind and splits the text
// into overlapping chunks for embedding.
//
// Decoding is strict: a malformed file fails with a decode_error fault and
// produces no partial state. Supported kinds are plain text, PDF, and
// DOCX; legacy binary DOC is rejected with instructions to convert.
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/credo-hq/credo/internal/fault"
)

// MIME kinds accepted by Decode. DetectMIME maps filename extensions onto
// these.
const (
	MIMEPlain = "text/plain"
	MIMEPDF   = "application/pdf"
	MIMEDOCX  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEDOC   = "application/msword"
)

// DetectMIME resolves the effective MIME kind from the declared value and
// the filename. A declared kind wins; otherwise the extension decides,
// defaulting to plain text.
func DetectMIME(declared, filename string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return MIMEPDF
	case ".docx":
		return MIMEDOCX
	case ".doc":
		return MIMEDOC
	default:
		return MIMEPlain
	}
}

// Decode converts raw file bytes into UTF-8 text according to the MIME
// kind. Unknown kinds are treated as plain text; malformed content of a
// known kind fails with a decode_error fault.
func Decode(data []byte, mime string) (string, error) {
	switch mime {
	case MIMEPDF:
		return decodePDF(data)
	case MIMEDOCX:
		return decodeDOCX(data)
	case MIMEDOC:
		return "", fault.New(fault.KindDecode, "legacy binary DOC is not supported; convert to DOCX or PDF")
	default:
		return decodePlain(data)
	}
}

// decodePlain validates UTF-8, replacing invalid sequences rather than
// failing: recorder-exported notes regularly carry stray bytes.
func decodePlain(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// decodeDOCX extracts paragraph text from word/document.xml inside the
// OOXML zip container. Runs within a paragraph are concatenated;
// paragraphs become newline-separated lines.
func decodeDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fault.Wrap(fault.KindDecode, err, "docx: not a zip container")
	}

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", fault.Wrap(fault.KindDecode, err, "docx: open document.xml")
			}
			break
		}
	}
	if docXML == nil {
		return "", fault.New(fault.KindDecode, "docx: missing word/document.xml")
	}
	defer docXML.Close()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(docXML)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fault.Wrap(fault.KindDecode, err, "docx: malformed document.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
			// Explicit line breaks inside a run.
			if t.Name.Local == "br" {
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
			}
			if t.Name.Local == "p" {
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// decodePDF extracts text from uncompressed PDF content streams: literal
// strings inside BT/ET text blocks, with TJ arrays flattened. Compressed
// streams yield whatever uncompressed text objects remain; a file without
// a PDF header fails outright.
func decodePDF(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return "", fault.New(fault.KindDecode, "pdf: missing %%PDF header")
	}

	var sb strings.Builder
	rest := data
	for {
		bt := bytes.Index(rest, []byte("BT"))
		if bt < 0 {
			break
		}
		et := bytes.Index(rest[bt:], []byte("ET"))
		if et < 0 {
			break
		}
		block := rest[bt : bt+et]
		extractPDFStrings(block, &sb)
		rest = rest[bt+et+2:]
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", fault.New(fault.KindDecode, "pdf: no extractable text (compressed or image-only)")
	}
	return text, nil
}

// extractPDFStrings appends the contents of literal ( ) strings in a text
// block, handling backslash escapes and nested parentheses. A Td/TD/T*
// operator between strings becomes a newline, other separators a space.
func extractPDFStrings(block []byte, sb *strings.Builder) {
	i := 0
	for i < len(block) {
		c := block[i]
		if c != '(' {
			if c == 'T' && i+1 < len(block) {
				switch block[i+1] {
				case 'd', 'D', '*':
					sb.WriteByte('\n')
					i += 2
					continue
				}
			}
			i++
			continue
		}
		i++
		depth := 1
		for i < len(block) && depth > 0 {
			switch block[i] {
			case '\\':
				if i+1 < len(block) {
					sb.WriteByte(unescapePDF(block[i+1]))
					i += 2
					continue
				}
				i++
			case '(':
				depth++
				sb.WriteByte('(')
				i++
			case ')':
				depth--
				if depth > 0 {
					sb.WriteByte(')')
				}
				i++
			default:
				sb.WriteByte(block[i])
				i++
			}
		}
		sb.WriteByte(' ')
	}
}

func unescapePDF(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	default:
		return c
	}
}
