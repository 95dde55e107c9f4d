package mcpserver

// NoteFormat documents how the indexer reads a note. Served as the
// ansuz://note-format resource.
const NoteFormat = `# Ansuz Note Format

Notes are UTF-8 Markdown files ending in ` + "`.md`" + `. Files and folders whose name
starts with a dot are never indexed.

## Frontmatter

An optional YAML block fenced by ` + "`---`" + ` lines at the very top of the file.

` + "```" + `markdown
---
title: Quantum error correction
tags: [physics, reading-list]
---
` + "```" + `

- ` + "`title`" + ` wins over the first ` + "`# heading`" + ` of the body. A note with neither is
  shown by its file name.
- ` + "`tags`" + ` may be a YAML list or a comma separated string. Search filters match
  notes carrying any of the requested tags.
- Invalid YAML does not block indexing; the whole file is then treated as body.

## Links

- ` + "`[[target]]`" + ` and ` + "`[[target|label]]`" + ` are wikilinks; ` + "`![[target]]`" + ` is an embed.
- ` + "`[label](path/to/note.md)`" + ` is a Markdown link. External URLs and images are ignored.
- Targets without an extension resolve to ` + "`<target>.md`" + ` relative to the vault root.
- Links inside fenced code blocks are ignored.
- A link to a note that does not exist yet is kept and shows up as a backlink once
  the target is created.

## Editing

Use ` + "`update_frontmatter`" + ` to change fields without rewriting the body; a null value
removes a field. ` + "`write_note`" + ` replaces the whole file. Both trigger re-indexing.
`
