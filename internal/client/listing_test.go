package client

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/KorszunKarol/go-distort/internal/frame"
)

func TestClassForFile(t *testing.T) {
	cases := []struct {
		name  string
		class string
	}{
		{"hello.txt", frame.ClassText},
		{"HELLO.TXT", frame.ClassText},
		{"song.wav", frame.ClassMedia},
		{"photo.jpg", frame.ClassMedia},
		{"photo.png", frame.ClassMedia},
	}
	for _, tc := range cases {
		got, err := ClassForFile(tc.name)
		if err != nil || got != tc.class {
			t.Fatalf("%q: got %q %v", tc.name, got, err)
		}
	}
	for _, name := range []string{"archive.zip", "noext", "movie.mp4"} {
		if _, err := ClassForFile(name); !errors.Is(err, ErrUserInput) {
			t.Fatalf("%q: expected ErrUserInput, got %v", name, err)
		}
	}
}

func TestList(t *testing.T) {
	folder := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "photo.png", "song.wav", "notes.md"} {
		if err := os.WriteFile(filepath.Join(folder, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(folder, "sub.txt"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := New(WithUsername("karol"), WithLocalFolder(folder))

	text, err := c.List(frame.ClassText)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(text, []string{"a.txt", "b.txt"}) {
		t.Fatalf("text listing %v", text)
	}
	media, err := c.List(frame.ClassMedia)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(media, []string{"photo.png", "song.wav"}) {
		t.Fatalf("media listing %v", media)
	}
	if _, err := c.List("Audio"); !errors.Is(err, ErrUserInput) {
		t.Fatalf("expected ErrUserInput, got %v", err)
	}
}

func TestNew_SanitizesUsername(t *testing.T) {
	c := New(WithUsername("ka&rol"))
	if c.Username() != "karol" {
		t.Fatalf("username %q", c.Username())
	}
}
