// Package mailmsg implements the message body parser surface of §4.5:
// order/duplicate-preserving headers and a Raw/Parsed body, generalized
// from the teacher's inline mail.ReadMessage + multipart.Reader walk
// (internal/smtp/backend.go's parseMIMEParts) into a standalone,
// round-trip-safe model. Deep multipart parsing stays out of scope
// (§1) beyond what DKIM/DMARC need: From/Date lookup and a text/html/
// attachment surface walk.
package mailmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

// Header is one name/body pair. Headers preserve insertion order and
// duplicates; comparison by name is case-insensitive (§3.3, §4.5).
type Header struct {
	Name string
	Body string
}

// BodyKind distinguishes an unparsed byte body from a promoted MIME tree.
type BodyKind int

const (
	BodyRaw BodyKind = iota
	BodyParsed
)

// PartKind classifies a parsed MIME part.
type PartKind int

const (
	PartText PartKind = iota
	PartHTML
	PartBinary
	PartMultipart
	PartEmbedded
)

// Part is one node of a parsed MIME tree.
type Part struct {
	Kind        PartKind
	ContentType string
	Filename    string
	Disposition string
	Content     []byte   // for leaf kinds
	Preamble    string   // for PartMultipart
	Epilogue    string   // for PartMultipart
	Boundary    string   // for PartMultipart
	Children    []Part   // for PartMultipart
}

// Body is Raw until ParseBody promotes it to Parsed.
type Body struct {
	Kind   BodyKind
	Raw    []byte
	Parsed *Part
}

// Mail is the header/body model of §3.3.
type Mail struct {
	Headers []Header
	Body    Body

	origRaw []byte // input bytes, kept for the unmodified round-trip law
}

// OriginalBytes returns the exact bytes ParseHeaders was given, for
// callers that need byte-identical round-tripping of an unmodified
// message (§8 "parse then re-serialised without modification").
func (m *Mail) OriginalBytes() []byte { return m.origRaw }

// Get returns the first header body matching name case-insensitively, and
// whether one was found.
func (m *Mail) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Body, true
		}
	}
	return "", false
}

// GetAll returns every header body matching name, preserving order.
func (m *Mail) GetAll(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Body)
		}
	}
	return out
}

// Append adds a header at the end of the list.
func (m *Mail) Append(name, body string) {
	m.Headers = append(m.Headers, Header{Name: name, Body: body})
}

// Prepend adds a header at the start of the list.
func (m *Mail) Prepend(name, body string) {
	m.Headers = append([]Header{{Name: name, Body: body}}, m.Headers...)
}

// Remove deletes every header matching name case-insensitively.
func (m *Mail) Remove(name string) {
	out := m.Headers[:0]
	for _, h := range m.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	m.Headers = out
}

// SetAt overwrites the body of the header at index i.
func (m *Mail) SetAt(i int, body string) error {
	if i < 0 || i >= len(m.Headers) {
		return fmt.Errorf("mailmsg: header index %d out of range", i)
	}
	m.Headers[i].Body = body
	return nil
}

// ParseHeaders splits raw RFC 5322 bytes into headers and an unparsed
// (Raw) body, preserving folded continuation lines, order, and
// duplicates. It does not validate From/Date presence here; that check
// belongs to the caller operating at the top level (§4.5).
func ParseHeaders(raw []byte) (*Mail, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	var headers []Header
	var cur *Header

	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break // blank line: end of headers
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && cur != nil {
			cur.Body += "\n" + trimmed[1:]
			continue
		}
		colon := strings.IndexByte(trimmed, ':')
		if colon < 0 {
			return nil, fmt.Errorf("mailmsg: malformed header line %q", trimmed)
		}
		h := Header{
			Name: trimmed[:colon],
			Body: strings.TrimPrefix(trimmed[colon+1:], " "),
		}
		headers = append(headers, h)
		cur = &headers[len(headers)-1]
		if err != nil {
			break
		}
	}

	rest, _ := io.ReadAll(reader)
	return &Mail{Headers: headers, Body: Body{Kind: BodyRaw, Raw: rest}, origRaw: raw}, nil
}

// ParseBody promotes a Raw body to Parsed, walking a multipart tree when
// the Content-Type header says so, or a single leaf part otherwise.
func (m *Mail) ParseBody() error {
	if m.Body.Kind == BodyParsed {
		return nil
	}
	ct, _ := m.Get("Content-Type")
	part, err := parsePart(ct, m.Body.Raw)
	if err != nil {
		return err
	}
	m.Body = Body{Kind: BodyParsed, Parsed: part}
	return nil
}

func parsePart(contentType string, raw []byte) (*Part, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		return parseMultipart(mediaType, params["boundary"], raw)
	}

	switch {
	case strings.HasPrefix(mediaType, "text/html"):
		return &Part{Kind: PartHTML, ContentType: mediaType, Content: raw}, nil
	case strings.HasPrefix(mediaType, "message/"):
		return &Part{Kind: PartEmbedded, ContentType: mediaType, Content: raw}, nil
	case strings.HasPrefix(mediaType, "text/"):
		return &Part{Kind: PartText, ContentType: mediaType, Content: raw}, nil
	default:
		return &Part{Kind: PartBinary, ContentType: mediaType, Content: raw}, nil
	}
}

func parseMultipart(mediaType, boundary string, raw []byte) (*Part, error) {
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	root := &Part{Kind: PartMultipart, ContentType: mediaType, Boundary: boundary}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		body, _ := io.ReadAll(p)
		childCT := p.Header.Get("Content-Type")
		child, cerr := parsePart(childCT, body)
		if cerr != nil {
			continue
		}
		disposition, dparams, _ := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
		child.Disposition = disposition
		if fn := dparams["filename"]; fn != "" {
			child.Filename = fn
		}
		root.Children = append(root.Children, *child)
	}

	return root, nil
}

// Serialize renders the Mail back to raw bytes. For a Raw body this is
// the exact round-trip of §8 ("parse(serialize(mail)) = mail"); for a
// Parsed body it re-renders from the Part tree (used after in-place
// header mutation, e.g. DKIM-Signature prepend).
func (m *Mail) Serialize() []byte {
	var buf bytes.Buffer
	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(strings.ReplaceAll(h.Body, "\n", "\r\n "))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	switch m.Body.Kind {
	case BodyRaw:
		buf.Write(m.Body.Raw)
	case BodyParsed:
		if m.Body.Parsed != nil {
			buf.Write(m.Body.Parsed.Content)
			for _, c := range m.Body.Parsed.Children {
				buf.Write(c.Content)
			}
		}
	}
	return buf.Bytes()
}

// SerializeWithoutAttachments renders the message with text/html content
// kept but binary parts, embedded messages, and attachment-disposition
// parts omitted, for inspection-without-exfiltration uses (§4.5).
func (m *Mail) SerializeWithoutAttachments() []byte {
	var buf bytes.Buffer
	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(strings.ReplaceAll(h.Body, "\n", "\r\n "))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	if m.Body.Kind != BodyParsed || m.Body.Parsed == nil {
		return buf.Bytes()
	}
	writeStripped(&buf, *m.Body.Parsed)
	return buf.Bytes()
}

func writeStripped(buf *bytes.Buffer, p Part) {
	switch p.Kind {
	case PartText, PartHTML:
		if p.Disposition != "attachment" {
			buf.Write(p.Content)
		}
	case PartMultipart:
		for _, c := range p.Children {
			writeStripped(buf, c)
		}
	default:
		// Binary and embedded parts are omitted entirely.
	}
}

// FromDomain extracts the domain right of the final '@' in the RFC 5322
// From header's address token, used by DMARC (§4.4.4 step 1).
func (m *Mail) FromDomain() (string, error) {
	from, ok := m.Get("From")
	if !ok {
		return "", fmt.Errorf("mailmsg: no From header")
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		// From headers sometimes carry a list; take the first address.
		list, lerr := mail.ParseAddressList(from)
		if lerr != nil || len(list) == 0 {
			return "", fmt.Errorf("mailmsg: unparsable From header %q: %w", from, err)
		}
		addr = list[0]
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 {
		return "", fmt.Errorf("mailmsg: From address %q has no domain", addr.Address)
	}
	return strings.ToLower(addr.Address[at+1:]), nil
}
