package workspace

import "testing"

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		want FileType
	}{
		{"main.go", TypeCode},
		{"App.TSX", TypeCode},
		{"README.md", TypeMarkdown},
		{"logo.svg", TypeImage},
		{"notes.txt", TypeText},
		{"archive.tar.gz", TypeUnknown},
		{"Makefile", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeOf(tt.name); got != tt.want {
				t.Errorf("TypeOf(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestLanguage(t *testing.T) {
	tests := map[string]string{
		"index.ts":    "typescript",
		"script.py":   "python",
		"header.h":    "c",
		"config.yml":  "yaml",
		"unknown.bin": "plaintext",
		"noext":       "plaintext",
	}
	for name, want := range tests {
		if got := Language(name); got != want {
			t.Errorf("Language(%q) = %q, want %q", name, got, want)
		}
	}
}
