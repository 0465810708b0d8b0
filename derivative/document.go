package derivative

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dhcgn/mailbag/model"
)

var errNoBody = errors.New("message has no body")

// Document renders msg as a standalone UTF-8 HTML document: a header table
// followed by the HTML body, or the escaped text body when there is no HTML.
func Document(msg *model.Message, css string) (string, error) {
	var source string
	switch {
	case msg.HTMLBody != nil:
		source = msg.HTMLBody.Content
	case msg.TextBody != nil:
		source = "<pre>" + html.EscapeString(msg.TextBody.Content) + "</pre>"
	default:
		return "", errNoBody
	}

	doc, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return "", fmt.Errorf("parse body: %w", err)
	}
	head := findElement(doc, atom.Head)
	body := findElement(doc, atom.Body)
	if head == nil || body == nil {
		return "", fmt.Errorf("parse body: missing head or body element")
	}

	removeCharsetMeta(head)
	meta := element(atom.Meta, html.Attribute{Key: "charset", Val: "utf-8"})
	head.InsertBefore(meta, head.FirstChild)
	if findElement(head, atom.Title) == nil && msg.Subject != "" {
		head.AppendChild(element(atom.Title, text(msg.Subject)))
	}
	if css != "" {
		head.AppendChild(element(atom.Style, text(css)))
	}

	if table := headerTable(msg); table != nil {
		body.InsertBefore(table, body.FirstChild)
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n")
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.DoctypeNode {
			continue
		}
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("render document: %w", err)
		}
	}
	return buf.String(), nil
}

func headerTable(msg *model.Message) *html.Node {
	fields := []struct{ name, value string }{
		{"From", msg.From},
		{"To", msg.To},
		{"Cc", msg.Cc},
		{"Bcc", msg.Bcc},
		{"Date", msg.Date},
		{"Subject", msg.Subject},
	}

	table := element(atom.Table, html.Attribute{Key: "class", Val: "mailbag-header"})
	rows := 0
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		table.AppendChild(element(atom.Tr,
			element(atom.Th, text(f.name+":")),
			element(atom.Td, text(f.value)),
		))
		rows++
	}
	if rows == 0 {
		return nil
	}
	return table
}

func removeCharsetMeta(head *html.Node) {
	for c := head.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && c.DataAtom == atom.Meta {
			for _, a := range c.Attr {
				if a.Key == "charset" || (a.Key == "http-equiv" && strings.EqualFold(a.Val, "content-type")) {
					head.RemoveChild(c)
					break
				}
			}
		}
		c = next
	}
}

// Text returns the plain text of msg: the text body, or the text content of the
// HTML body.
func Text(msg *model.Message) (string, error) {
	switch {
	case msg.TextBody != nil:
		return msg.TextBody.Content, nil
	case msg.HTMLBody != nil:
		doc, err := html.Parse(strings.NewReader(msg.HTMLBody.Content))
		if err != nil {
			return "", fmt.Errorf("parse body: %w", err)
		}
		var b strings.Builder
		collectText(&b, doc)
		return strings.TrimSpace(b.String()) + "\n", nil
	default:
		return "", errNoBody
	}
}

func collectText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head:
			return
		case atom.Br:
			b.WriteString("\n")
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c)
	}
	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		b.WriteString("\n")
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Tr, atom.Li, atom.Table, atom.Blockquote, atom.Pre,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func element(a atom.Atom, children ...any) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for _, c := range children {
		switch v := c.(type) {
		case html.Attribute:
			n.Attr = append(n.Attr, v)
		case *html.Node:
			n.AppendChild(v)
		}
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
