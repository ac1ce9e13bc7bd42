package crawler

import "strings"

// Adapter turns a parsed page into the prose worth ingesting. Different
// sources carry different boilerplate, so each gets its own cleaner.
type Adapter interface {
	Clean(page *Page) string
}

// AdapterFor returns the adapter registered for a source name. Unknown
// names fall back to the generic adapter.
func AdapterFor(source string) Adapter {
	switch strings.ToLower(source) {
	case "wiki", "wikipedia", "mediawiki":
		return WikiAdapter{}
	default:
		return GenericAdapter{}
	}
}

// GenericAdapter keeps every paragraph long enough to plausibly be prose.
type GenericAdapter struct{}

func (GenericAdapter) Clean(page *Page) string {
	var kept []string
	for _, p := range page.Paragraphs {
		if len(p) < 40 {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

// WikiAdapter additionally strips MediaWiki chrome: edit links, citation
// needed markers, navigation prompts, and the reference apparatus that
// follows the article body.
type WikiAdapter struct{}

var wikiNoise = []string{
	"jump to navigation",
	"jump to search",
	"[edit]",
	"[citation needed]",
	"retrieved from",
	"this article needs additional citations",
	"from wikipedia, the free encyclopedia",
}

var wikiStopSections = []string{
	"references",
	"external links",
	"see also",
	"further reading",
	"bibliography",
}

func (WikiAdapter) Clean(page *Page) string {
	var kept []string
	for _, p := range page.Paragraphs {
		lower := strings.ToLower(p)

		stop := false
		for _, section := range wikiStopSections {
			if lower == section {
				stop = true
				break
			}
		}
		if stop {
			break
		}

		noisy := false
		for _, marker := range wikiNoise {
			if strings.Contains(lower, marker) {
				noisy = true
				break
			}
		}
		if noisy || len(p) < 40 {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}
