// Package tools implements the tool surface the agent uses to read, search
// and edit the vault.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/starford/ansuz/internal/apperr"
)

// Tool names.
const (
	ReadNote          = "read_note"
	SearchNotes       = "search_notes"
	WriteNote         = "write_note"
	UpdateFrontmatter = "update_frontmatter"
	ListBacklinks     = "list_backlinks"
)

// Definition describes one tool in function-call form.
type Definition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Schema returns the JSON schema of the tool's arguments.
func (d Definition) Schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           d.Properties,
		"required":             d.Required,
		"additionalProperties": false,
	}
}

// SchemaJSON returns Schema encoded as JSON.
func (d Definition) SchemaJSON() json.RawMessage {
	raw, _ := json.Marshal(d.Schema())
	return raw
}

var pathProperty = map[string]any{
	"type":        "string",
	"minLength":   1,
	"description": "Vault-relative path of the note, e.g. research/quantum.md. The .md extension may be omitted.",
}

var definitions = []Definition{
	{
		Name:        ReadNote,
		Description: "Read the full Markdown text of a note.",
		Properties:  map[string]any{"path": pathProperty},
		Required:    []string{"path"},
	},
	{
		Name:        SearchNotes,
		Description: "Semantic search over the vault. Returns the best matching chunks with their note path, title and similarity score.",
		Properties: map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1, "description": "What to look for."},
			"top_k": map[string]any{"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum number of results (default 10)."},
			"filter": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Match notes carrying any of these tags."},
					"date_after":  map[string]any{"type": "string", "description": "Only notes modified at or after this date (YYYY-MM-DD or RFC 3339)."},
					"date_before": map[string]any{"type": "string", "description": "Only notes modified at or before this date (YYYY-MM-DD or RFC 3339)."},
				},
			},
		},
		Required: []string{"query"},
	},
	{
		Name:        WriteNote,
		Description: "Create or overwrite a note. Missing parent folders are created and the note is re-indexed.",
		Properties: map[string]any{
			"path":    pathProperty,
			"content": map[string]any{"type": "string", "description": "Full Markdown content."},
		},
		Required: []string{"path", "content"},
	},
	{
		Name:        UpdateFrontmatter,
		Description: "Merge fields into a note's YAML frontmatter without touching the body. A null value removes the field.",
		Properties: map[string]any{
			"path":    pathProperty,
			"updates": map[string]any{"type": "object", "minProperties": 1, "description": "Fields to set."},
		},
		Required: []string{"path", "updates"},
	},
	{
		Name:        ListBacklinks,
		Description: "List notes that link to the given note.",
		Properties:  map[string]any{"path": pathProperty},
		Required:    []string{"path"},
	},
}

var schemas = func() map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(definitions))
	for _, d := range definitions {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Schema()))
		if err != nil {
			panic(fmt.Sprintf("tools: invalid schema for %s: %v", d.Name, err))
		}
		out[d.Name] = s
	}
	return out
}()

// Catalogue returns the fixed tool list.
func Catalogue() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Call is a decoded tool invocation. The set of implementations is closed.
type Call interface {
	Tool() string
	isCall()
}

// ReadNoteCall returns the full text of one note.
type ReadNoteCall struct {
	Path string `json:"path"`
}

// SearchNotesCall ranks chunks against a query.
type SearchNotesCall struct {
	Query  string       `json:"query"`
	TopK   int          `json:"top_k,omitempty"`
	Filter *FilterInput `json:"filter,omitempty"`
}

// FilterInput is the wire form of a search filter.
type FilterInput struct {
	Tags       []string `json:"tags,omitempty"`
	DateAfter  string   `json:"date_after,omitempty"`
	DateBefore string   `json:"date_before,omitempty"`
}

// WriteNoteCall creates or overwrites a note and reindexes it.
type WriteNoteCall struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// UpdateFrontmatterCall merges keys into a note's frontmatter. A nil value removes the key.
type UpdateFrontmatterCall struct {
	Path    string         `json:"path"`
	Updates map[string]any `json:"updates"`
}

// ListBacklinksCall lists the notes that link to a note.
type ListBacklinksCall struct {
	Path string `json:"path"`
}

func (ReadNoteCall) Tool() string          { return ReadNote }
func (SearchNotesCall) Tool() string       { return SearchNotes }
func (WriteNoteCall) Tool() string         { return WriteNote }
func (UpdateFrontmatterCall) Tool() string { return UpdateFrontmatter }
func (ListBacklinksCall) Tool() string     { return ListBacklinks }

func (ReadNoteCall) isCall()          {}
func (SearchNotesCall) isCall()       {}
func (WriteNoteCall) isCall()         {}
func (UpdateFrontmatterCall) isCall() {}
func (ListBacklinksCall) isCall()     {}

// Decode validates raw arguments against the tool's schema and returns the
// typed call. Unknown tools and malformed arguments are validation errors.
func Decode(name string, raw json.RawMessage) (Call, error) {
	schema, ok := schemas[name]
	if !ok {
		return nil, apperr.Validation("unknown tool %q", name)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}

	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, apperr.Validation("%s: arguments are not valid JSON: %v", name, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, apperr.Validation("%s: %s", name, strings.Join(msgs, "; "))
	}

	var call Call
	switch name {
	case ReadNote:
		call, err = decodeInto[ReadNoteCall](raw)
	case SearchNotes:
		call, err = decodeInto[SearchNotesCall](raw)
	case WriteNote:
		call, err = decodeInto[WriteNoteCall](raw)
	case UpdateFrontmatter:
		call, err = decodeInto[UpdateFrontmatterCall](raw)
	case ListBacklinks:
		call, err = decodeInto[ListBacklinksCall](raw)
	}
	if err != nil {
		return nil, apperr.Validation("%s: %v", name, err)
	}
	return call, nil
}

func decodeInto[T Call](raw json.RawMessage) (Call, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
