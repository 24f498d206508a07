package cardtpl

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Op is the kind of change a Mutation makes to every matched node.
type Op int

const (
	// OpText replaces the node content with escaped text.
	OpText Op = iota
	// OpHTML replaces the node content with parsed markup.
	OpHTML
	// OpAttr sets the attribute Name.
	OpAttr
	// OpStyle replaces the whole style attribute.
	OpStyle
	// OpCSS sets one property Name inside the style attribute, keeping the
	// others.
	OpCSS
	// OpRemove deletes the node.
	OpRemove
)

var opNames = [...]string{"text", "html", "attr", "style", "css", "remove"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Mutation is one selector-addressed change. A selector that matches
// nothing is not an error.
type Mutation struct {
	Selector string
	Op       Op
	Name     string
	Value    string
}

// Text sets the text of sel.
func Text(sel, v string) Mutation { return Mutation{Selector: sel, Op: OpText, Value: v} }

// HTML sets the inner markup of sel.
func HTML(sel, v string) Mutation { return Mutation{Selector: sel, Op: OpHTML, Value: v} }

// Attr sets attribute name of sel.
func Attr(sel, name, v string) Mutation {
	return Mutation{Selector: sel, Op: OpAttr, Name: name, Value: v}
}

// Style replaces the style attribute of sel.
func Style(sel, v string) Mutation { return Mutation{Selector: sel, Op: OpStyle, Value: v} }

// CSS sets a single style property of sel.
func CSS(sel, prop, v string) Mutation {
	return Mutation{Selector: sel, Op: OpCSS, Name: prop, Value: v}
}

// Remove deletes sel.
func Remove(sel string) Mutation { return Mutation{Selector: sel, Op: OpRemove} }

// Render applies muts in order to the template document, appends the
// stylesheet to <head> and returns the resulting HTML.
func Render(t *Template, muts []Mutation) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(t.HTML))
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", t.Name, err)
	}

	for _, m := range muts {
		sel := doc.Find(m.Selector)
		switch m.Op {
		case OpText:
			sel.SetText(m.Value)
		case OpHTML:
			sel.SetHtml(m.Value)
		case OpAttr:
			sel.SetAttr(m.Name, m.Value)
		case OpStyle:
			sel.SetAttr("style", m.Value)
		case OpCSS:
			sel.Each(func(_ int, s *goquery.Selection) {
				s.SetAttr("style", mergeStyle(s.AttrOr("style", ""), m.Name, m.Value))
			})
		case OpRemove:
			sel.Remove()
		default:
			return "", fmt.Errorf("template %s: unknown mutation %s on %q", t.Name, m.Op, m.Selector)
		}
	}

	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: t.CSS})
	doc.Find("head").First().AppendNodes(style)

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", t.Name, err)
	}
	return out, nil
}

// mergeStyle sets prop to value inside an inline style declaration list.
func mergeStyle(style, prop, value string) string {
	prop = strings.ToLower(strings.TrimSpace(prop))
	var decls []string
	replaced := false
	for _, d := range strings.Split(style, ";") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		name, _, _ := strings.Cut(d, ":")
		if strings.ToLower(strings.TrimSpace(name)) == prop {
			if replaced {
				continue
			}
			d = prop + ": " + value
			replaced = true
		}
		decls = append(decls, d)
	}
	if !replaced {
		decls = append(decls, prop+": "+value)
	}
	return strings.Join(decls, "; ") + ";"
}
