package models

// LinkType classifies how one document references another.
type LinkType string

const (
	LinkWikilink LinkType = "wikilink"
	LinkMarkdown LinkType = "markdown"
	LinkEmbed    LinkType = "embed"
)

// Valid reports whether t is a known link type.
func (t LinkType) Valid() bool {
	switch t {
	case LinkWikilink, LinkMarkdown, LinkEmbed:
		return true
	}
	return false
}

// Link is a directed edge between two vault paths. The target need not exist.
type Link struct {
	SourcePath string   `json:"source_path"`
	TargetPath string   `json:"target_path"`
	Type       LinkType `json:"link_type"`
	Text       string   `json:"link_text,omitempty"`
}

// Backlink is an incoming link annotated with the source document's title.
type Backlink struct {
	SourcePath  string   `json:"source_path"`
	SourceTitle string   `json:"source_title,omitempty"`
	Type        LinkType `json:"link_type"`
	Text        string   `json:"link_text,omitempty"`
}
