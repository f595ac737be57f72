package wikitext

import "strings"

// BotsAllowed reports whether the {{bots}} and {{nobots}} templates in text
// let user edit the page. {{nobots}} shuts out every bot. {{bots}} takes an
// allow or deny list of user names, where "all" names every bot and "none"
// names no bot. An allow list shuts out anyone it does not name. Templates
// inside comments and nowiki are ignored.
func BotsAllowed(text, user string) bool {
	user = normalizeUser(user)
	for _, el := range Scan(text) {
		if el.Kind != KindTemplate {
			continue
		}
		switch normalizeTitle(el.Name) {
		case "Nobots":
			return false
		case "Bots":
		default:
			continue
		}
		for _, arg := range templateArgs(text[el.Span.Start+2 : el.Span.End-2]) {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "allow":
				return listed(value, user)
			case "deny":
				if listed(value, user) {
					return false
				}
			}
		}
	}
	return true
}

// listed reports whether the comma-separated list names user, either
// directly or through "all".
func listed(list, user string) bool {
	for _, n := range strings.Split(list, ",") {
		n = strings.TrimSpace(n)
		if strings.EqualFold(n, "all") {
			return true
		}
		if user != "" && normalizeUser(n) == user {
			return true
		}
	}
	return false
}

// normalizeUser drops a bot-password suffix ("Name@app") and puts the
// name in the form the wiki stores.
func normalizeUser(s string) string {
	s, _, _ = strings.Cut(s, "@")
	return normalizeTitle(s)
}

// templateArgs splits a template body on the pipes that are not nested in
// another template or a link, and drops the name.
func templateArgs(body string) []string {
	var args []string
	depth, start := 0, 0
	for i := 0; i < len(body); i++ {
		switch {
		case strings.HasPrefix(body[i:], "{{"), strings.HasPrefix(body[i:], "[["):
			depth++
			i++
		case strings.HasPrefix(body[i:], "}}"), strings.HasPrefix(body[i:], "]]"):
			depth--
			i++
		case body[i] == '|' && depth == 0:
			args = append(args, body[start:i])
			start = i + 1
		}
	}
	return append(args, body[start:])[1:]
}
