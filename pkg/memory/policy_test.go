package memory

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRoutingPolicy_Route(t *testing.T) {
	p := NewRoutingPolicy(0)

	tests := []struct {
		name    string
		ev      MemoryEvent
		want    RoutingDecision
		wantErr bool
	}{
		{
			name: "working goes to metadata only",
			ev:   MemoryEvent{Type: TypeWorking},
			want: RoutingDecision{HotMetadata: true},
		},
		{
			name: "episodic with embedding hits the vector index",
			ev:   MemoryEvent{Type: TypeEpisodic, Embedding: []float32{1, 0}},
			want: RoutingDecision{HotMetadata: true, HotVector: true},
		},
		{
			name: "semantic without embedding stays metadata only",
			ev:   MemoryEvent{Type: TypeSemantic},
			want: RoutingDecision{HotMetadata: true},
		},
		{
			name: "perceptual routes to the feature store",
			ev:   MemoryEvent{Type: TypePerceptual},
			want: RoutingDecision{HotMetadata: true, Features: true},
		},
		{
			name:    "unknown type is a validation error",
			ev:      MemoryEvent{Type: MemoryType("bogus")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Route(tt.ev)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if got.HotMetadata != tt.want.HotMetadata || got.HotVector != tt.want.HotVector || got.Features != tt.want.Features {
				t.Errorf("decision = %+v, want %+v", got, tt.want)
			}
			if len(got.Reasons) == 0 {
				t.Error("decision should carry a reason")
			}
		})
	}
}

func TestRoutingPolicy_TTLExpiry(t *testing.T) {
	p := NewRoutingPolicy(30 * time.Minute)
	now := int64(1_000_000)

	if got := p.TTLExpiry(MemoryEvent{}, now); got != now+(30*time.Minute).Milliseconds() {
		t.Errorf("default TTL expiry = %d", got)
	}
	if got := p.TTLExpiry(MemoryEvent{TTL: time.Minute}, now); got != now+60_000 {
		t.Errorf("event TTL should override the default, got %d", got)
	}
}

func TestHeuristicTurnPolicy_Classify(t *testing.T) {
	p := NewHeuristicTurnPolicy()

	t.Run("short chunks are noise", func(t *testing.T) {
		d := p.Classify([]Turn{{User: "ok"}}, nil)
		if d.Store {
			t.Fatal("below-threshold content should not be stored")
		}
	})

	t.Run("preference keywords promote to semantic", func(t *testing.T) {
		d := p.Classify([]Turn{{User: "I always prefer tabs over spaces in my editor."}}, nil)
		if !d.Store || d.Type != TypeSemantic {
			t.Fatalf("decision = %+v, want stored semantic", d)
		}
		found := false
		for _, tag := range d.Tags {
			if tag == "preference" {
				found = true
			}
		}
		if !found {
			t.Error("semantic preference should carry the preference tag")
		}
	})

	t.Run("plain conversation defaults to episodic", func(t *testing.T) {
		d := p.Classify([]Turn{{User: "We debugged the flaky integration test together today."}}, nil)
		if !d.Store || d.Type != TypeEpisodic {
			t.Fatalf("decision = %+v, want stored episodic", d)
		}
		if d.Summary == "" {
			t.Error("stored decision should carry a summary")
		}
	})

	t.Run("near-duplicates of recent summaries are dropped", func(t *testing.T) {
		turns := []Turn{{User: "We debugged the flaky integration test together today."}}
		first := p.Classify(turns, nil)
		second := p.Classify(turns, []string{first.Summary})
		if second.Store {
			t.Fatal("duplicate consolidation should be dropped")
		}
	})

	t.Run("novelty window only checks recent summaries", func(t *testing.T) {
		turns := []Turn{{User: "We debugged the flaky integration test together today."}}
		first := p.Classify(turns, nil)
		old := []string{"unrelated one", "unrelated two", "unrelated three", first.Summary}
		d := p.Classify(turns, old)
		if !d.Store {
			t.Fatal("summary outside the history window should not block storage")
		}
	})
}

func TestSummarizeTurns(t *testing.T) {
	turns := []Turn{
		{User: "First thing happened. Then more detail."},
		{User: "Second thing happened! Extra."},
	}
	sum := summarizeTurns(turns)
	if !strings.Contains(sum, "First thing happened.") || !strings.Contains(sum, "Second thing happened!") {
		t.Fatalf("summary = %q", sum)
	}
	if strings.Contains(sum, "more detail") {
		t.Error("summary should stop at the first sentence")
	}

	long := Turn{User: strings.Repeat("word ", 100)}
	if got := summarizeTurns([]Turn{long}); len(got) > 240 {
		t.Errorf("summary length %d exceeds cap", len(got))
	}
}

func TestFirstSentence(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello there. Second.", "Hello there."},
		{"No terminator", "No terminator"},
		{"Line one\nline two", "Line one"},
		{"  padded?  tail", "padded?"},
	}
	for _, tt := range tests {
		if got := firstSentence(tt.in); got != tt.want {
			t.Errorf("firstSentence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenOverlap(t *testing.T) {
	if got := tokenOverlap("alpha beta", "alpha beta gamma"); got != 1 {
		t.Errorf("full overlap = %v, want 1", got)
	}
	if got := tokenOverlap("alpha beta", "gamma delta"); got != 0 {
		t.Errorf("no overlap = %v, want 0", got)
	}
}

func TestJoinTurns(t *testing.T) {
	got := joinTurns([]Turn{{User: "hi", Assistant: "hello"}, {User: "bye"}})
	want := "hi\nhello\nbye\n"
	if got != want {
		t.Errorf("joinTurns = %q, want %q", got, want)
	}
}
