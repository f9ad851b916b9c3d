package splitter

import (
	"reflect"
	"testing"
)

func TestExtractMetadata_FrontmatterLists(t *testing.T) {
	content := []byte(`---
tags: [project, notes]
aliases:
  - Project Plan
  - Plan
---

Body text.
`)
	meta := ExtractMetadata(content)
	if !reflect.DeepEqual([]string(meta.Tags), []string{"project", "notes"}) {
		t.Errorf("Tags = %v", meta.Tags)
	}
	if !reflect.DeepEqual([]string(meta.Aliases), []string{"Project Plan", "Plan"}) {
		t.Errorf("Aliases = %v", meta.Aliases)
	}
}

func TestExtractMetadata_ScalarTag(t *testing.T) {
	content := []byte("---\ntags: daily\n---\n\nBody.\n")
	meta := ExtractMetadata(content)
	if !reflect.DeepEqual([]string(meta.Tags), []string{"daily"}) {
		t.Errorf("Tags = %v", meta.Tags)
	}
}

func TestExtractMetadata_WikiLinks(t *testing.T) {
	content := []byte("See [[Other Note]] and [[Other Note|an alias]] plus [[Third#Section]].\n")
	meta := ExtractMetadata(content)
	want := []string{"Other Note", "Third"}
	if !reflect.DeepEqual(meta.Links, want) {
		t.Errorf("Links = %v, want %v", meta.Links, want)
	}
}

func TestExtractMetadata_MalformedFrontmatter(t *testing.T) {
	content := []byte("---\ntags: [unclosed\n---\n\nStill has [[A Link]].\n")
	meta := ExtractMetadata(content)
	if len(meta.Tags) != 0 {
		t.Errorf("Tags = %v, want none", meta.Tags)
	}
	if !reflect.DeepEqual(meta.Links, []string{"A Link"}) {
		t.Errorf("Links = %v", meta.Links)
	}
}

func TestExtractMetadata_NoFrontmatter(t *testing.T) {
	meta := ExtractMetadata([]byte("Plain body with no metadata at all.\n"))
	if meta.Tags != nil || meta.Aliases != nil || meta.Links != nil {
		t.Errorf("ExtractMetadata() = %+v, want zero value", meta)
	}
}
