package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/openai"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/resilience"
)

type mockRemote struct {
	mu    sync.Mutex
	texts []string
	errs  []error
	calls int
	last  openai.TranscriptionRequest
}

func (m *mockRemote) Transcribe(_ context.Context, req openai.TranscriptionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.last = req
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i < len(m.texts) {
		return m.texts[i], nil
	}
	if len(m.errs) > 0 && m.errs[len(m.errs)-1] != nil {
		return "", m.errs[len(m.errs)-1]
	}
	return "", nil
}

func recording(t *testing.T) *audio.Recording {
	t.Helper()
	path := filepath.Join(t.TempDir(), "q.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	return &audio.Recording{Path: path, SampleRate: 16000}
}

func retryCfg(delays *[]time.Duration) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.OnRetry = func(_ int, d time.Duration, _ error) {
		if delays != nil {
			*delays = append(*delays, d)
		}
	}
	return cfg
}

func TestTranscribeTrims(t *testing.T) {
	remote := &mockRemote{texts: []string{"  어제 신호위반 벌금이 얼마예요 \n"}}
	c := New(remote, Config{Model: "whisper-1", Language: "ko", Hint: "도로교통법", Retry: retryCfg(nil)})

	got, err := c.Transcribe(context.Background(), recording(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got != "어제 신호위반 벌금이 얼마예요" {
		t.Errorf("Transcribe() = %q", got)
	}
	if remote.last.Language != "ko" || remote.last.Model != "whisper-1" || remote.last.Prompt != "도로교통법" {
		t.Errorf("request = %+v", remote.last)
	}
}

func TestTranscribeRetriesTransientErrors(t *testing.T) {
	var errs []error
	for i := 1; i <= 3; i++ {
		errs = append(errs, apperrors.Newf(apperrors.CodeUnavailable, "upstream 503 #%d", i))
	}
	remote := &mockRemote{errs: errs}

	var delays []time.Duration
	c := New(remote, Config{Retry: retryCfg(&delays)})

	_, err := c.Transcribe(context.Background(), recording(t))
	if remote.calls != 3 {
		t.Errorf("calls = %d, want 3", remote.calls)
	}
	if err == nil || !strings.Contains(err.Error(), "#3") {
		t.Errorf("error = %v, want the last attempt's error", err)
	}
	if len(delays) != 2 || delays[1] <= delays[0] {
		t.Errorf("delays = %v, want two increasing waits", delays)
	}
}

func TestTranscribeRecoversAfterRetry(t *testing.T) {
	remote := &mockRemote{
		errs:  []error{apperrors.New(apperrors.CodeNetwork, "reset"), nil},
		texts: []string{"", "면허 정지 기준이 뭐예요"},
	}
	c := New(remote, Config{Retry: retryCfg(nil)})

	got, err := c.Transcribe(context.Background(), recording(t))
	if err != nil || got != "면허 정지 기준이 뭐예요" {
		t.Errorf("Transcribe() = %q, %v", got, err)
	}
	if remote.calls != 2 {
		t.Errorf("calls = %d, want 2", remote.calls)
	}
}

func TestTranscribeNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		code apperrors.Code
	}{
		{"auth", apperrors.CodeUnauthenticated},
		{"quota", apperrors.CodeQuotaExceeded},
		{"malformed", apperrors.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &mockRemote{errs: []error{apperrors.New(tt.code, "rejected")}}
			c := New(remote, Config{Retry: retryCfg(nil)})

			_, err := c.Transcribe(context.Background(), recording(t))
			if !apperrors.IsCode(err, tt.code) {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
			if remote.calls != 1 {
				t.Errorf("calls = %d, want 1", remote.calls)
			}
		})
	}
}

func TestTranscribeEmpty(t *testing.T) {
	remote := &mockRemote{texts: []string{"   \n"}}
	c := New(remote, Config{Retry: retryCfg(nil)})

	_, err := c.Transcribe(context.Background(), recording(t))
	if !apperrors.IsCode(err, apperrors.CodeNotRecognized) {
		t.Errorf("error = %v, want NOT_RECOGNIZED", err)
	}
	if remote.calls != 1 {
		t.Errorf("calls = %d, want 1", remote.calls)
	}
}

func TestTranscribeHallucination(t *testing.T) {
	inputs := []string{"시청해주셔서 감사합니다.", "  THANK YOU FOR WATCHING.  ", "You"}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			remote := &mockRemote{texts: []string{in, "다른 결과"}}
			c := New(remote, Config{Retry: retryCfg(nil)})

			_, err := c.Transcribe(context.Background(), recording(t))
			if !apperrors.IsCode(err, apperrors.CodeHallucination) {
				t.Fatalf("error = %v, want HALLUCINATION", err)
			}
			if msg := apperrors.UserMessage(err); !strings.Contains(msg, "명확하게") {
				t.Errorf("user message = %q, want a speak-more-clearly message", msg)
			}
			if remote.calls != 1 {
				t.Errorf("calls = %d, want 1 (no retry for bad audio)", remote.calls)
			}
		})
	}
}

func TestTranscribeCustomFilter(t *testing.T) {
	remote := &mockRemote{texts: []string{"감사합니다."}}
	c := New(remote, Config{Retry: retryCfg(nil), Filter: NewDenylist("자막 제공")})

	got, err := c.Transcribe(context.Background(), recording(t))
	if err != nil || got != "감사합니다." {
		t.Errorf("Transcribe() = %q, %v; custom filter should replace defaults", got, err)
	}
}

func TestTranscribeMissingRecording(t *testing.T) {
	remote := &mockRemote{}
	c := New(remote, Config{Retry: retryCfg(nil)})

	tests := []struct {
		name string
		rec  *audio.Recording
	}{
		{"nil", nil},
		{"missing file", &audio.Recording{Path: filepath.Join(t.TempDir(), "gone.wav")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Transcribe(context.Background(), tt.rec)
			if !apperrors.IsCode(err, apperrors.CodeNoAudio) {
				t.Errorf("error = %v, want NO_AUDIO", err)
			}
		})
	}
	if remote.calls != 0 {
		t.Errorf("calls = %d, want 0", remote.calls)
	}
}

func TestDenylist(t *testing.T) {
	d := NewDenylist("  Foo Bar ", "")
	tests := []struct {
		in   string
		want bool
	}{
		{"foo bar", true},
		{"FOO BAR\n", true},
		{"foo bar baz", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := d.Match(tt.in); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}

	var f Filter = FilterFunc(func(s string) bool { return strings.HasPrefix(s, "자막") })
	if !f.Match("자막 by") {
		t.Error("FilterFunc did not match")
	}
}
