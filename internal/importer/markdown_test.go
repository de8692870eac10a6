package importer

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

const roadmapNote = `---
title: Q3 Roadmap
aliases: [Roadmap, Q3 plan]
tags: [planning, Product]
type: proposal
owner: Sarah Connor
date: 2024-07-01
reviewers:
  - kyle
---

# Something else

Ship the [[Billing Revamp|billing work]] before [[Launch]]. #planning #q3
`

func TestParseFile_Frontmatter(t *testing.T) {
	pf, err := ParseFile([]byte(roadmapNote), "product/roadmap.md")
	require.NoError(t, err)

	assert.Equal(t, "Q3 Roadmap", pf.Title)
	assert.Equal(t, "proposal", pf.Group)
	assert.Equal(t, []string{"Roadmap", "Q3 plan"}, pf.Aliases)
	assert.Equal(t, []string{"Product", "planning", "q3"}, pf.Tags)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), pf.Timestamp)
	assert.Contains(t, pf.Body, "Ship the billing work before Launch.")
	assert.NotContains(t, pf.Body, "[[")

	want := []WikiLink{{Target: "Billing Revamp", Label: "billing work"}, {Target: "Launch"}}
	if diff := cmp.Diff(want, pf.Links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
}

func TestParsedFile_Entity(t *testing.T) {
	pf, err := ParseFile([]byte(roadmapNote), "product/roadmap.md")
	require.NoError(t, err)

	e := pf.Entity("file:///vault/product/roadmap.md")
	assert.Equal(t, types.ClassDocument, e.Class)
	assert.Equal(t, "Q3 Roadmap", e.Name)
	assert.Equal(t, "file:///vault/product/roadmap.md", e.PrimaryKey)
	assert.Equal(t, "proposal", e.Group)

	want := map[string]string{
		"source_path": "product/roadmap.md",
		"links":       "Billing Revamp, Launch",
		"date":        "2024-07-01T00:00:00Z",
		"owner":       "Sarah Connor",
	}
	if diff := cmp.Diff(want, e.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestParsedFile_EntityPrefersURL(t *testing.T) {
	pf, err := ParseFile([]byte("---\nurl: https://docs.example.com/handbook\n---\nWelcome aboard.\n"), "handbook.md")
	require.NoError(t, err)

	e := pf.Entity("file:///vault/handbook.md")
	assert.Equal(t, "https://docs.example.com/handbook", e.PrimaryKey)
	assert.Equal(t, "handbook", e.Name)
	assert.Empty(t, e.Group)
}

func TestParseFile_Titles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
		want    string
		group   string
	}{
		{"h1", "# Meeting Notes\n\nbody", "notes.md", "Meeting Notes", ""},
		{"file name", "just text", "team/weekly_sync-notes.txt", "weekly sync notes", "team"},
		{"unclosed frontmatter", "---\ntitle: nope\nbody", "Odd Dir/x.md", "x", "odd-dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, err := ParseFile([]byte(tt.content), tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pf.Title)
			assert.Equal(t, tt.group, pf.Group)
		})
	}
}

func TestParseFile_InvalidFrontmatter(t *testing.T) {
	_, err := ParseFile([]byte("---\ntitle: [unclosed\n---\nbody\n"), "bad.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.md")
}

func TestExtractList_CommaString(t *testing.T) {
	got := extractList(map[string]any{"tags": "a, b,, c"}, "tags")
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Nil(t, extractList(map[string]any{}, "tags"))
}
