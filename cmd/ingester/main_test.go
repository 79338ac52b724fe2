package main

import "testing"

func TestNoteTitle(t *testing.T) {
	tests := []struct {
		name    string
		rel     string
		content string
		want    string
	}{
		{name: "h1 heading", rel: "a.md", content: "# Trip Planning\n\nbody", want: "Trip Planning"},
		{name: "h2 heading", rel: "a.md", content: "## Weekly Standup\nbody", want: "Weekly Standup"},
		{name: "heading after blank lines", rel: "a.md", content: "\n\n# Ideas\n", want: "Ideas"},
		{name: "no heading falls back to filename", rel: "notes/groceries.md", content: "milk\neggs", want: "groceries"},
		{name: "prose before heading wins filename", rel: "journal.txt", content: "Dear diary\n# Not a title", want: "journal"},
		{name: "empty file", rel: "empty.txt", content: "", want: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := noteTitle(tt.rel, tt.content); got != tt.want {
				t.Errorf("noteTitle(%q, ...) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

func TestIsNoteFile(t *testing.T) {
	for path, want := range map[string]bool{
		"notes/a.md":      true,
		"b.markdown":      true,
		"c.TXT":           true,
		"image.png":       false,
		"script.go":       false,
		"no-extension":    false,
		"archive.md.gz":   false,
		"nested/deep.txt": true,
	} {
		if got := isNoteFile(path); got != want {
			t.Errorf("isNoteFile(%q) = %v, want %v", path, got, want)
		}
	}
}
