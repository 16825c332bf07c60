package transcript

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/text/language"

	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

func TestAccumulator_FinalizeOnce(t *testing.T) {
	a := NewAccumulator()

	if _, ok := a.Append(protocol.TranscriptPayload{Text: "Hola, ", Role: "user"}); ok {
		t.Fatal("partial update sealed a segment")
	}
	seg, ok := a.Append(protocol.TranscriptPayload{Text: "¿qué tal?", Role: "user", IsFinal: true})
	if !ok || seg.Text != "Hola, ¿qué tal?" || seg.Role != "user" {
		t.Fatalf("sealed = %+v, %v", seg, ok)
	}

	got, ok := a.Finalize()
	if !ok || got.Text != seg.Text {
		t.Fatalf("Finalize() = %+v, %v", got, ok)
	}
	if _, ok := a.Finalize(); ok {
		t.Error("Finalize() returned the same segment twice")
	}
}

func TestAccumulator_RoleChangeSeals(t *testing.T) {
	a := NewAccumulator()
	a.Append(protocol.TranscriptPayload{Text: "hello there", Role: "user"})

	seg, ok := a.Append(protocol.TranscriptPayload{Text: "Hi!", Role: "assistant"})
	if !ok || seg.Role != "user" || seg.Text != "hello there" {
		t.Fatalf("sealed = %+v, %v", seg, ok)
	}
	if a.Partial() != "Hi!" {
		t.Errorf("Partial() = %q", a.Partial())
	}
	if got := a.Text(); got != "hello there\nHi!" {
		t.Errorf("Text() = %q", got)
	}

	a.Reset()
	if a.Text() != "" || len(a.Segments()) != 0 {
		t.Error("Reset() left data behind")
	}
	if _, ok := a.Finalize(); ok {
		t.Error("Finalize() after Reset returned a segment")
	}
}

func TestAccumulator_MissingRoleIsUser(t *testing.T) {
	a := NewAccumulator()
	a.Append(protocol.TranscriptPayload{Text: "where is "})
	if _, ok := a.Append(protocol.TranscriptPayload{Text: "the station", Role: "user"}); ok {
		t.Fatal("missing role and user role sealed as different speakers")
	}
	seg, ok := a.Append(protocol.TranscriptPayload{Text: "?", IsFinal: true})
	if !ok || seg.Role != protocol.RoleUser || seg.Text != "where is the station?" {
		t.Errorf("sealed = %+v, %v", seg, ok)
	}
}

func TestAccumulator_EmptyFinalIgnored(t *testing.T) {
	a := NewAccumulator()
	if _, ok := a.Append(protocol.TranscriptPayload{Text: "   ", IsFinal: true}); ok {
		t.Error("blank segment sealed")
	}
}

func TestScriptDetector(t *testing.T) {
	tests := []struct {
		text string
		want language.Tag
		ok   bool
	}{
		{"Привет, как у тебя дела?", language.Russian, true},
		{"שלום, מה שלומך היום?", language.Hebrew, true},
		{"مرحبا كيف حالك اليوم", language.Arabic, true},
		{"Γεια σου, τι κάνεις σήμερα;", language.Greek, true},
		{"你好，今天天气怎么样？", language.Chinese, true},
		{"こんにちは、今日はいい天気ですね", language.Japanese, true},
		{"안녕하세요 오늘 어떠세요", language.Korean, true},
		{"नमस्ते आप कैसे हैं आज", language.Hindi, true},
		{"สวัสดีครับ วันนี้เป็นอย่างไร", language.Thai, true},
		{"¿Cómo estás? Mañana vamos", language.Spanish, true},
		{"Wie geht's? Schöne Grüße", language.German, true},
		{"Ça va très bien, merci", language.French, true},
		{"Não sei, então vamos", language.Portuguese, true},
		{"Hello, how are you today?", language.English, true},
		{"hola amigo como estas hoy", language.Spanish, true},
		{"bonjour comment allez vous", language.French, true},
		{"ich bin heute nicht da", language.German, true},
		{"Lorem ipsum dolor sit amet", language.Und, false},
		{"cafe con leche caliente", language.Und, false},
		{"la casa de la playa", language.Und, false},
		{"ok", language.Und, false},
		{"12345 !!! ???", language.Und, false},
	}

	d := ScriptDetector{}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := d.Detect(tt.text)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Detect(%q) = %v, %v; want %v, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSameLanguage(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"en-US", "en-GB", true},
		{"en", "en-US", true},
		{"es-ES", "es-MX", true},
		{"en-US", "es-ES", false},
		{"zh-CN", "ja-JP", false},
		{"not a tag", "NOT A TAG", true},
	}
	for _, tt := range tests {
		if got := SameLanguage(tt.a, tt.b); got != tt.want {
			t.Errorf("SameLanguage(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
	if Base("es-MX") != "es" {
		t.Errorf("Base(es-MX) = %q", Base("es-MX"))
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Append(ctx, "c1", Segment{Text: "one", Role: "user"})
	s.Append(ctx, "c1", Segment{Text: "two", Role: "assistant"})
	s.Append(ctx, "c2", Segment{Text: "other"})

	got, err := s.List(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "one" || got[1].Text != "two" {
		t.Errorf("List(c1) = %+v", got)
	}
	if got, _ := s.List(ctx, "missing"); len(got) != 0 {
		t.Errorf("List(missing) = %+v", got)
	}

	s.Close()
	if err := s.Append(ctx, "c1", Segment{}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Append after close = %v", err)
	}
}

func TestNewStore(t *testing.T) {
	if s, err := NewStore(StoreConfig{}); s != nil || err != nil {
		t.Errorf("NewStore(none) = %v, %v", s, err)
	}
	if s, err := NewStore(StoreConfig{Type: StoreMemory}); err != nil || s == nil {
		t.Errorf("NewStore(memory) = %v, %v", s, err)
	}
	if _, err := NewStore(StoreConfig{Type: StoreRedis}); err == nil {
		t.Error("NewStore(redis) without addr should fail")
	}
	if _, err := NewStore(StoreConfig{Type: "sqlite"}); !errors.Is(err, ErrInvalidStoreType) {
		t.Errorf("NewStore(sqlite) = %v", err)
	}
}

func TestRedisStore_Key(t *testing.T) {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 0)
	defer s.Close()
	if s.key("abc") != "transcript:abc" || s.ttl != defaultTTL {
		t.Errorf("key=%s ttl=%v", s.key("abc"), s.ttl)
	}
}

func TestRedisStore_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewRedisStore(client, time.Minute)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Append(ctx, "c1", Segment{Text: "x"}); err == nil {
		t.Error("Append() to unreachable redis should fail")
	}
	if _, err := s.List(ctx, "c1"); err == nil {
		t.Error("List() from unreachable redis should fail")
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	defer s.Close()

	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := []Segment{
		{Text: "hola", Role: "user", At: at},
		{Text: "buenos días", Role: "assistant", At: at.Add(time.Second)},
	}
	for _, seg := range want {
		if err := s.Append(ctx, "c1", seg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.List(ctx, "c1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("List() = %+v", got)
	}
	for i := range want {
		if got[i].Text != want[i].Text || got[i].Role != want[i].Role || !got[i].At.Equal(want[i].At) {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if ttl := mr.TTL("transcript:c1"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
	if segs, err := s.List(ctx, "missing"); err != nil || len(segs) != 0 {
		t.Errorf("List(missing) = %+v, %v", segs, err)
	}

	mr.FastForward(2 * time.Minute)
	if segs, err := s.List(ctx, "c1"); err != nil || len(segs) != 0 {
		t.Errorf("List() after expiry = %+v, %v", segs, err)
	}
}

func TestDecodeSegments(t *testing.T) {
	segs, err := decodeSegments([]string{`{"text":"a","role":"user","at":"2024-01-01T00:00:00Z"}`})
	if err != nil || len(segs) != 1 || segs[0].Text != "a" {
		t.Fatalf("decodeSegments() = %+v, %v", segs, err)
	}
	if _, err := decodeSegments([]string{"{"}); err == nil {
		t.Error("expected decode error")
	}
}
