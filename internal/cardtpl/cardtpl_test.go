package cardtpl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const page = `<!DOCTYPE html>
<html><head><title>card</title></head>
<body>
  <h1 class="name">placeholder</h1>
  <p class="label" style="color: red; font-size: 10px">x</p>
  <img class="flag" src="old.png">
  <div class="drop">gone</div>
  <div class="box"></div>
</body></html>`

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeTemplate(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		path := filepath.Join(root, name, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStoreGet(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "igwin", map[string]string{"index.html": page, "estilos.css": "h1 { color: blue; }"})
	writeTemplate(t, root, "seasonpoints", map[string]string{"index.html": page, "css/estilos.css": ".a > .b {}"})
	writeTemplate(t, root, "nocss", map[string]string{"index.html": page})
	s := NewStore(root, discard())

	tests := []struct {
		name    string
		wantCSS string
		wantErr bool
	}{
		{"igwin", "h1 { color: blue; }", false},
		{"seasonpoints", ".a > .b {}", false},
		{"nocss", "", true},
		{"missing", "", true},
		{"../igwin", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := s.Get(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrTemplateNotFound) {
					t.Fatalf("err = %v, want ErrTemplateNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if tpl.CSS != tt.wantCSS {
				t.Errorf("CSS = %q, want %q", tpl.CSS, tt.wantCSS)
			}
		})
	}

	if !s.HasHTML("nocss") {
		t.Error("HasHTML(nocss) = false, want true")
	}
	if s.HasHTML("missing") {
		t.Error("HasHTML(missing) = true")
	}
}

func TestRenderMutations(t *testing.T) {
	tpl := &Template{Name: "t", HTML: page, CSS: ".a > .b { color: red; }"}
	out, err := Render(tpl, []Mutation{
		Text(".name", "Ana <Rosario>"),
		CSS(".label", "font-size", "8em"),
		Attr(".flag", "src", "https://cdn/44.png"),
		Style(".name", "font-size: 12em;"),
		Remove(".drop"),
		HTML(".box", `<span class="in">P1</span>`),
		Text(".nowhere", "ignored"),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	for _, want := range []string{
		`<h1 class="name" style="font-size: 12em;">Ana &lt;Rosario&gt;</h1>`,
		`style="color: red; font-size: 8em;"`,
		`src="https://cdn/44.png"`,
		`<div class="box"><span class="in">P1</span></div>`,
		`<style>.a > .b { color: red; }</style></head>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "gone") {
		t.Error("removed node still present")
	}
}

func TestMergeStyle(t *testing.T) {
	tests := []struct {
		style, prop, value, want string
	}{
		{"", "font-size", "8em", "font-size: 8em;"},
		{"color: red", "font-size", "8em", "color: red; font-size: 8em;"},
		{"FONT-SIZE: 1px; color: red;", "font-size", "10em", "font-size: 10em; color: red;"},
	}
	for _, tt := range tests {
		if got := mergeStyle(tt.style, tt.prop, tt.value); got != tt.want {
			t.Errorf("mergeStyle(%q, %q, %q) = %q, want %q", tt.style, tt.prop, tt.value, got, tt.want)
		}
	}
}

func TestWatchDropsChangedTemplate(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "igwin", map[string]string{"index.html": "<p>v1</p>", "estilos.css": ""})
	s := NewStore(root, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.caching.Load() {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if tpl, err := s.Get("igwin"); err != nil || tpl.HTML != "<p>v1</p>" {
		t.Fatalf("Get = %v, %v", tpl, err)
	}
	writeTemplate(t, root, "igwin", map[string]string{"index.html": "<p>v2</p>"})

	for {
		tpl, err := s.Get("igwin")
		if err == nil && tpl.HTML == "<p>v2</p>" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cached template was not refreshed after a change")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStoreDropsLoadRacingInvalidation(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "igwin", map[string]string{"index.html": page, "estilos.css": "h1 { color: blue; }"})
	s := NewStore(root, discard())
	s.caching.Store(true)

	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()
	stale, err := s.load("igwin")
	if err != nil {
		t.Fatal(err)
	}

	writeTemplate(t, root, "igwin", map[string]string{"estilos.css": "h1 { color: red; }"})
	s.invalidate("igwin")
	s.remember("igwin", stale, gen)

	got, err := s.Get("igwin")
	if err != nil {
		t.Fatal(err)
	}
	if got.CSS != "h1 { color: red; }" {
		t.Errorf("CSS = %q, a load that raced the file change was cached", got.CSS)
	}

	again, err := s.Get("igwin")
	if err != nil {
		t.Fatal(err)
	}
	if again != got {
		t.Error("a load with no invalidation in between should be cached")
	}
}
