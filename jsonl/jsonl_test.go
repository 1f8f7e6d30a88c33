package jsonl

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/zhubert/plural-appserver/logger"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

func TestReader_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":1,"result":{}}`,
		``,
		`   `,
		`not json at all`,
		`[1,2,3]`,
		`"a string"`,
		`42`,
		`{"broken":`,
		`  {"method":"turn/completed"}  `,
	}, "\n")

	got, err := ReadAll(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d objects, want 2: %q", len(got), got)
	}
	if string(got[0]) != `{"id":1,"result":{}}` {
		t.Errorf("first = %s", got[0])
	}
	if string(got[1]) != `{"method":"turn/completed"}` {
		t.Errorf("second = %s (should be trimmed)", got[1])
	}
}

func TestReader_LastLineWithoutNewline(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\n{\"b\":2}"))

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(first) != `{"a":1}` || string(second) != `{"b":2}` {
		t.Errorf("got %s, %s", first, second)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on repeated call, got %v", err)
	}
}

func TestReader_LongLine(t *testing.T) {
	payload := strings.Repeat("x", 1<<20)
	line, _ := json.Marshal(map[string]string{"delta": payload})

	r := NewReader(bytes.NewReader(append(line, '\n')))
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded["delta"]) != len(payload) {
		t.Errorf("delta length = %d, want %d", len(decoded["delta"]), len(payload))
	}
}

func TestReader_ReturnsPrivateCopies(t *testing.T) {
	r := NewReader(strings.NewReader("{\"n\":1}\n{\"n\":2}\n"))
	first, _ := r.Next()
	_, _ = r.Next()
	if string(first) != `{"n":1}` {
		t.Errorf("first line mutated by later read: %s", first)
	}
}

func TestParseObject(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"object", `{"x":1}`, true},
		{"object with padding", "  {\"x\":1}\t", true},
		{"empty", ``, false},
		{"array", `[{"x":1}]`, false},
		{"null", `null`, false},
		{"number", `7`, false},
		{"truncated", `{"x":`, false},
		{"two objects", `{"x":1}{"y":2}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseObject([]byte(tt.line))
			if ok != tt.ok {
				t.Errorf("ParseObject(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
		})
	}
}

func TestWriter_AppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.Write(map[string]any{"id": 1, "method": "initialize"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(map[string]any{"method": "initialized"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := "{\"id\":1,\"method\":\"initialize\"}\n{\"method\":\"initialized\"}\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestWriter_UnmarshalableValue(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.Write(make(chan int)); err == nil {
		t.Error("expected error for unmarshalable value")
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written on error, got %q", buf.String())
	}
}

func TestWriter_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = w.Write(map[string]int{"n": n})
		}(i)
	}
	wg.Wait()

	objs, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(objs) != 50 {
		t.Errorf("got %d lines, want 50", len(objs))
	}
}
