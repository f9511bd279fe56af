// Package htmlinject plants a script element into HTML documents.
package htmlinject

import (
	"bytes"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Inject returns page with a script element holding code inserted as the
// first child of head, before any existing script gets a chance to run.
// When the document has no head the script lands at the front of body
// instead. Best effort: a page that cannot be parsed or rendered, or that
// has neither element, comes back unchanged, as does any page when code is
// empty.
//
// Parameters:
//   - page: The HTML document
//   - code: The script source to plant
//
// Returns:
//   - The rewritten document, or page itself when nothing was injected
func Inject(page, code []byte) []byte {
	if len(code) == 0 {
		return page
	}

	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return page
	}

	host := findElement(doc, atom.Head)
	if host == nil {
		host = findElement(doc, atom.Body)
	}
	if host == nil {
		return page
	}

	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: string(code)})
	host.InsertBefore(script, host.FirstChild)

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return page
	}

	return out.Bytes()
}

// findElement walks the tree depth first for the first element with the
// given atom.
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
