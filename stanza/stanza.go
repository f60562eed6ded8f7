// Package stanza holds the minimal XML tree the BOSH engine moves around:
// child elements of a <body/> wrapper in both directions. Names keep the
// prefix exactly as written (xml.Name.Space carries the prefix, not a
// namespace URI), so a tree decoded from a client request serializes back
// to equivalent markup without namespace bookkeeping.
package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind distinguishes the node variants.
type Kind uint8

const (
	ElementNode Kind = iota
	TextNode
	// RawNode carries pre-serialized markup written verbatim.
	RawNode
)

// Node is an element, a run of character data, or raw markup.
type Node struct {
	Kind     Kind
	Name     xml.Name
	Attr     []xml.Attr
	Children []*Node
	// Text is the character data of a TextNode or the markup of a RawNode.
	Text string
}

// Element builds an element node. name may be prefixed ("stream:features").
func Element(name string, attrs ...xml.Attr) *Node {
	return &Node{Kind: ElementNode, Name: ParseName(name), Attr: attrs}
}

// Text builds a character data node.
func Text(s string) *Node { return &Node{Kind: TextNode, Text: s} }

// Raw builds a node whose markup is written as-is.
func Raw(markup string) *Node { return &Node{Kind: RawNode, Text: markup} }

// Attr is a convenience constructor for a possibly prefixed attribute.
func Attr(name, value string) xml.Attr { return xml.Attr{Name: ParseName(name), Value: value} }

// Append adds children and returns n for chaining.
func (n *Node) Append(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// AttrValue returns the value of the attribute with the given (possibly
// prefixed) name.
func (n *Node) AttrValue(name string) (string, bool) {
	want := ParseName(name)
	for _, a := range n.Attr {
		if a.Name == want {
			return a.Value, true
		}
	}
	return "", false
}

// ParseName splits "prefix:local" into an xml.Name with the prefix in Space.
func ParseName(s string) xml.Name {
	if i := strings.IndexByte(s, ':'); i > 0 {
		return xml.Name{Space: s[:i], Local: s[i+1:]}
	}
	return xml.Name{Local: s}
}

// QualifiedName is the inverse of ParseName.
func QualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "'", "&apos;", `"`, "&quot;")
)

// WriteAttrs writes attrs as ` name='value'` pairs.
func WriteAttrs(buf *bytes.Buffer, attrs []xml.Attr) {
	for _, a := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(QualifiedName(a.Name))
		buf.WriteString("='")
		buf.WriteString(attrEscaper.Replace(a.Value))
		buf.WriteByte('\'')
	}
}

// Encode appends the serialized node to buf.
func (n *Node) Encode(buf *bytes.Buffer) {
	switch n.Kind {
	case TextNode:
		buf.WriteString(textEscaper.Replace(n.Text))
	case RawNode:
		buf.WriteString(n.Text)
	default:
		name := QualifiedName(n.Name)
		buf.WriteByte('<')
		buf.WriteString(name)
		WriteAttrs(buf, n.Attr)
		if len(n.Children) == 0 {
			buf.WriteString("/>")
			return
		}
		buf.WriteByte('>')
		for _, c := range n.Children {
			c.Encode(buf)
		}
		buf.WriteString("</")
		buf.WriteString(name)
		buf.WriteByte('>')
	}
}

// String returns the serialized node.
func (n *Node) String() string {
	var buf bytes.Buffer
	n.Encode(&buf)
	return buf.String()
}

// ErrUnexpectedEOF is returned by Decode when the input ends inside an element.
var ErrUnexpectedEOF = errors.New("stanza: unexpected end of input")

// Decode reads the element opened by start from d, using raw tokens so
// prefixes are preserved. Comments, processing instructions and directives
// are dropped. End tags are not matched against start tags.
func Decode(d *xml.Decoder, start xml.StartElement) (*Node, error) {
	n := &Node{Kind: ElementNode, Name: start.Name, Attr: append([]xml.Attr(nil), start.Attr...)}
	for {
		tok, err := d.RawToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("stanza: decode <%s>: %w", QualifiedName(start.Name), err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := Decode(d, t.Copy())
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case xml.EndElement:
			return n, nil
		case xml.CharData:
			n.Children = append(n.Children, Text(string(t)))
		}
	}
}
