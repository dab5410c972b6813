package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractMentions(t *testing.T) {
	cases := []struct {
		content string
		want    []string
	}{
		{"hello @wayneAI how are you", []string{"wayneAI"}},
		{"@consultingAI @wayneAI both please", []string{"consultingAI", "wayneAI"}},
		{"@wayneAI twice @wayneAI", []string{"wayneAI"}},
		{"@wayneAIextra is someone else", nil},
		{"mail me at team@wayneAI", []string{"wayneAI"}},
		{"no mentions here", nil},
		{"@unknownAI is ignored", nil},
	}
	for _, tc := range cases {
		got := ExtractMentions(tc.content)
		if len(got) != len(tc.want) {
			t.Errorf("ExtractMentions(%q) = %v, want %v", tc.content, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ExtractMentions(%q) = %v, want %v", tc.content, got, tc.want)
				break
			}
		}
	}
}

func TestStripMention(t *testing.T) {
	cases := []struct {
		content string
		handle  string
		want    string
	}{
		{"@wayneAI explain goroutines", "wayneAI", "explain goroutines"},
		{"explain @wayneAI goroutines", "wayneAI", "explain goroutines"},
		{"@wayneAI  @wayneAI hi", "wayneAI", "hi"},
		{"plain question", "wayneAI", "plain question"},
	}
	for _, tc := range cases {
		if got := StripMention(tc.content, tc.handle); got != tc.want {
			t.Errorf("StripMention(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}

func TestStubStreamCompletes(t *testing.T) {
	p := &StubProvider{} // no pacing
	ch, err := p.Stream(context.Background(), Request{AIType: WayneAI, Query: "goroutines"})
	if err != nil {
		t.Fatal(err)
	}

	var content strings.Builder
	var sawCode bool
	var final *Usage
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Final != nil {
			final = chunk.Final
			continue
		}
		content.WriteString(chunk.Content)
		if chunk.IsCodeBlock {
			sawCode = true
		}
	}
	if final == nil {
		t.Fatal("stream ended without usage")
	}
	if final.CompletionTokens == 0 || final.TotalTokens <= final.CompletionTokens {
		t.Errorf("usage = %+v", final)
	}
	if !strings.Contains(content.String(), "goroutines") {
		t.Errorf("content does not echo the query: %q", content.String())
	}
	if !sawCode {
		t.Error("developer persona emitted no code block")
	}
}

func TestStubStreamIsDeterministic(t *testing.T) {
	p := &StubProvider{}
	collect := func() string {
		ch, err := p.Stream(context.Background(), Request{AIType: ConsultingAI, Query: "pricing"})
		if err != nil {
			t.Fatal(err)
		}
		var b strings.Builder
		for chunk := range ch {
			b.WriteString(chunk.Content)
		}
		return b.String()
	}
	if a, b := collect(), collect(); a != b {
		t.Errorf("responses differ:\n%q\n%q", a, b)
	}
}

func TestStubStreamCancellation(t *testing.T) {
	p := NewStub() // paced, so cancellation lands mid-stream
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, Request{AIType: WayneAI, Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	var sawErr bool
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = true
			if !errors.Is(chunk.Err, context.Canceled) {
				t.Errorf("err = %v", chunk.Err)
			}
		}
		if chunk.Final != nil {
			t.Error("cancelled stream still completed")
		}
	}
	if !sawErr {
		t.Error("cancelled stream emitted no error chunk")
	}
}

func TestUnknownAssistant(t *testing.T) {
	p := &StubProvider{}
	if _, err := p.Stream(context.Background(), Request{AIType: "hackerAI", Query: "q"}); !errors.Is(err, ErrUnknownAssistant) {
		t.Errorf("err = %v, want ErrUnknownAssistant", err)
	}
}
