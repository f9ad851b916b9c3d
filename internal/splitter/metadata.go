package splitter

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is the per-file metadata lifted from markdown content:
// YAML frontmatter tags and aliases, plus wiki-style link targets.
type Metadata struct {
	Tags    []string
	Aliases []string
	Links   []string
}

type frontmatter struct {
	Tags    flexList `yaml:"tags"`
	Aliases flexList `yaml:"aliases"`
}

// flexList accepts both "tags: a" and "tags: [a, b]" frontmatter shapes.
type flexList []string

func (l *flexList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			*l = []string{node.Value}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return nil
	}
}

var wikiLinkPattern = regexp.MustCompile(`\[\[([^\]|#]+)(?:[|#][^\]]*)?\]\]`)

// ExtractMetadata parses frontmatter and collects wiki links from content.
// Malformed frontmatter is ignored rather than failing the file.
func ExtractMetadata(content []byte) Metadata {
	var meta Metadata

	body := string(content)
	if block, rest, ok := splitFrontmatter(body); ok {
		var fm frontmatter
		if err := yaml.Unmarshal([]byte(block), &fm); err == nil {
			meta.Tags = fm.Tags
			meta.Aliases = fm.Aliases
		}
		body = rest
	}

	seen := make(map[string]struct{})
	for _, match := range wikiLinkPattern.FindAllStringSubmatch(body, -1) {
		target := strings.TrimSpace(match[1])
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		meta.Links = append(meta.Links, target)
	}

	return meta
}

// splitFrontmatter returns the YAML block between leading "---" fences and
// the remaining body.
func splitFrontmatter(content string) (block, rest string, ok bool) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", content, false
	}
	trimmed := content[strings.Index(content, "\n")+1:]
	end := strings.Index(trimmed, "\n---")
	if end == -1 {
		return "", content, false
	}
	block = trimmed[:end]
	rest = trimmed[end+len("\n---"):]
	if idx := strings.Index(rest, "\n"); idx != -1 {
		rest = rest[idx+1:]
	} else {
		rest = ""
	}
	return block, rest, true
}
