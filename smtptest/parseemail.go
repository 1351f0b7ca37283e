package smtptest

import "regexp"

var markerPattern = regexp.MustCompile(
	`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`,
)

// ExtractMarkers takes a single raw email payload and returns every
// UUID-shaped marker in it, in order of appearance. A marker appears more
// than once when the email has both a text and an HTML part. If a test is
// failing and calls this function, make sure the markers generated by the
// message package still look like UUIDs.
func ExtractMarkers(body string) []string {
	if body == "" {
		return []string{}
	}
	return markerPattern.FindAllString(body, -1)
}
