package wikitext

import "strings"

// extensionTags are parser extension tags whose bodies are opaque to the
// wikitext parser. Newlines anywhere inside them never delimit list items.
var extensionTags = map[string]bool{
	"categorytree":    true,
	"ce":              true,
	"charinsert":      true,
	"chem":            true,
	"gallery":         true,
	"graph":           true,
	"hiero":           true,
	"imagemap":        true,
	"indicator":       true,
	"inputbox":        true,
	"langconvert":     true,
	"mapframe":        true,
	"maplink":         true,
	"math":            true,
	"nowiki":          true,
	"poem":            true,
	"pre":             true,
	"ref":             true,
	"references":      true,
	"score":           true,
	"section":         true,
	"source":          true,
	"syntaxhighlight": true,
	"templatedata":    true,
	"templatestyles":  true,
	"timeline":        true,
}

// nonBreakingTags are extension tags that render inline, so a newline in
// their content does not end the surrounding list.
var nonBreakingTags = map[string]bool{
	"ce":             true,
	"charinsert":     true,
	"chem":           true,
	"indicator":      true,
	"langconvert":    true,
	"maplink":        true,
	"math":           true,
	"nowiki":         true,
	"ref":            true,
	"section":        true,
	"templatestyles": true,
}

// IsExtensionTag reports whether name is a parser extension tag.
func IsExtensionTag(name string) bool {
	return extensionTags[strings.ToLower(name)]
}

// breaksLists reports whether a newline inside the body of tag name ends
// an enclosing list.
func breaksLists(name string) bool {
	name = strings.ToLower(name)
	return extensionTags[name] && !nonBreakingTags[name]
}
