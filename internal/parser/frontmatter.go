package parser

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/starford/ansuz/internal/apperr"
)

// MergeFrontmatter applies updates to the YAML frontmatter of raw and returns
// the rewritten document. Existing keys keep their position, new keys are
// appended in sorted order, and a nil value removes the key. The body is left
// byte-for-byte intact. A document without frontmatter gets a new block.
func MergeFrontmatter(raw []byte, updates map[string]any) ([]byte, error) {
	raw = bytes.TrimPrefix(raw, bom)
	block, body, found := splitBlock(raw)
	if !found {
		body = raw
	}

	var doc yaml.Node
	if found && len(bytes.TrimSpace(block)) > 0 {
		if err := yaml.Unmarshal(block, &doc); err != nil {
			return nil, apperr.Validation("existing frontmatter is not valid YAML: %v", err)
		}
	}

	var mapping *yaml.Node
	switch {
	case doc.Kind == 0:
		mapping = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}
	case doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 && doc.Content[0].Kind == yaml.MappingNode:
		mapping = doc.Content[0]
	default:
		return nil, apperr.Validation("existing frontmatter is not a mapping")
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		idx := mappingIndex(mapping, k)
		v := updates[k]
		if v == nil {
			if idx >= 0 {
				mapping.Content = append(mapping.Content[:idx], mapping.Content[idx+2:]...)
			}
			continue
		}

		var value yaml.Node
		if err := value.Encode(v); err != nil {
			return nil, fmt.Errorf("parser: encode frontmatter %q: %w", k, err)
		}
		if idx >= 0 {
			mapping.Content[idx+1] = &value
			continue
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
		mapping.Content = append(mapping.Content, key, &value)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	if len(mapping.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return nil, fmt.Errorf("parser: encode frontmatter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("parser: encode frontmatter: %w", err)
		}
	}
	buf.WriteString("---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// mappingIndex returns the index of key's key node in a mapping node, or -1.
func mappingIndex(mapping *yaml.Node, key string) int {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i
		}
	}
	return -1
}
