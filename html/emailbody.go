package html

import (
	"errors"
	"fmt"
	"html/template"
	"strings"

	css "github.com/andybalholm/cascadia"
	nethtml "golang.org/x/net/html"
)

// MarkerID is the id of the element that holds the marker in a generated
// HTML body.
const MarkerID = "relaycheck-marker"

// markerSelector finds the marker element. Compiled once since the selector
// is constant.
var markerSelector = css.MustCompile("#" + MarkerID)

// BodyContent is used to populate the email body template
type BodyContent struct {
	Subject    string
	Marker     string
	Paragraphs []string
}

// Template meant to be populated with a BodyContent.
// Using tables for layout to avoid cross-client irregularities.
const emailBodyHTML = `<html>
<head>
<title>{{ .Subject }}</title>
</head>
<body>
	<table>
		<tbody>
			<tr><td>
				<p>This is a test e-mail message with random string <span id="` + MarkerID + `">{{ .Marker }}</span> to check.</p>
				{{ range .Paragraphs }}
				<p>{{ . }}</p>
				{{ end }}
			</td></tr>
		</tbody>
	</table>
</body>
</html>`

var bodyTemplate = template.Must(template.New("body").Parse(emailBodyHTML))

// GenerateBody renders an HTML email body for bc. The marker ends up as the
// only text inside the element with id MarkerID.
func GenerateBody(bc BodyContent) (string, error) {
	if bc.Marker == "" {
		return "", errors.New("can't generate an HTML body without a marker")
	}
	var str strings.Builder
	if err := bodyTemplate.Execute(&str, bc); err != nil {
		return "", fmt.Errorf("couldn't populate the email body template: %v", err)
	}
	return str.String(), nil
}

// ExtractMarker parses an HTML body and returns the text of the element with
// id MarkerID. It returns an error if there's no such element, or more than
// one, since mail clients and relays can rewrite HTML and we'd rather know.
func ExtractMarker(body string) (string, error) {
	if body == "" {
		return "", errors.New("the HTML body is empty")
	}

	n, err := nethtml.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("can't parse the HTML body: %v", err)
	}

	ns := markerSelector.MatchAll(n)
	switch len(ns) {
	case 0:
		return "", fmt.Errorf("no element matches #%v", MarkerID)
	case 1:
	default:
		return "", fmt.Errorf("found %v elements matching #%v", len(ns), MarkerID)
	}

	return strings.TrimSpace(textContent(ns[0])), nil
}

// textContent concatenates the text nodes below n.
// See: https://godoc.org/golang.org/x/net/html#Node
func textContent(n *nethtml.Node) string {
	var b strings.Builder
	var walk func(*nethtml.Node)
	walk = func(c *nethtml.Node) {
		if c.Type == nethtml.TextNode {
			b.WriteString(c.Data)
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}
