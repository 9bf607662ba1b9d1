package memdom

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/nupi-ai/domlink/internal/dom"
)

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

func optionNodes(sel *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "option":
				out = append(out, c)
			case "optgroup":
				walk(c)
			}
		}
	}
	walk(sel)
	return out
}

func options(sel *html.Node) []dom.Option {
	if sel.Data != "select" {
		return nil
	}
	nodes := optionNodes(sel)
	out := make([]dom.Option, 0, len(nodes))
	for _, n := range nodes {
		text := strings.Join(strings.Fields(textContent(n)), " ")
		value, ok := getAttr(n, "value")
		if !ok {
			value = text
		}
		label, ok := getAttr(n, "label")
		if !ok {
			label = text
		}
		out = append(out, dom.Option{Value: value, Label: label})
	}
	return out
}

// hidden reports whether the node or an ancestor is hidden or display:none.
func hidden(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if _, ok := getAttr(cur, "hidden"); ok {
			return true
		}
		style, _ := getAttr(cur, "style")
		for _, decl := range parseStyle(style) {
			if decl.prop == "display" && strings.TrimSpace(decl.value) == "none" {
				return true
			}
		}
	}
	return false
}

// focusable mirrors the browser's sequential/programmatic focus rules.
func focusable(n *html.Node) bool {
	if _, ok := getAttr(n, "disabled"); ok {
		switch n.Data {
		case "button", "input", "select", "textarea":
			return false
		}
	}
	if _, ok := getAttr(n, "tabindex"); ok {
		return true
	}
	if v, ok := getAttr(n, "contenteditable"); ok && v != "false" {
		return true
	}
	switch n.Data {
	case "a", "area":
		_, ok := getAttr(n, "href")
		return ok
	case "input":
		t, _ := getAttr(n, "type")
		return !strings.EqualFold(t, "hidden")
	case "button", "select", "textarea", "iframe", "summary":
		return true
	}
	return false
}

type styleDecl struct {
	prop  string
	value string
}

func parseStyle(raw string) []styleDecl {
	var out []styleDecl
	for _, part := range strings.Split(raw, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.TrimSpace(prop)
		if prop == "" {
			continue
		}
		out = append(out, styleDecl{prop: prop, value: strings.TrimSpace(value)})
	}
	return out
}

func formatStyle(decls []styleDecl) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.prop+": "+d.value)
	}
	return strings.Join(parts, "; ") + ";"
}
