package sandbox

import (
	"encoding/json"
	"testing"
)

func TestExtractFrames_SinglePair(t *testing.T) {
	t.Parallel()

	buf := "some noise " + OutputStartMarker + `{"status":"success","result":"hi"}` + OutputEndMarker + "trailing"
	frames, consumed := ExtractFrames(buf)

	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0] != `{"status":"success","result":"hi"}` {
		t.Errorf("frame = %q", frames[0])
	}
	if buf[consumed:] != "trailing" {
		t.Errorf("remainder = %q, want %q", buf[consumed:], "trailing")
	}
}

func TestExtractFrames_MultiplePairs(t *testing.T) {
	t.Parallel()

	buf := OutputStartMarker + `{"status":"success","result":null}` + OutputEndMarker +
		OutputStartMarker + `{"status":"success","result":"done"}` + OutputEndMarker
	frames, consumed := ExtractFrames(buf)

	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestExtractFrames_IncompletePair(t *testing.T) {
	t.Parallel()

	frames, consumed := ExtractFrames(OutputStartMarker + `{"status":"success"}`)
	if len(frames) != 0 {
		t.Errorf("frames = %d, want 0", len(frames))
	}
	if consumed != 0 {
		t.Errorf("consumed = %d, want 0", consumed)
	}
}

func TestExtractFrames_Empty(t *testing.T) {
	t.Parallel()

	frames, consumed := ExtractFrames("")
	if len(frames) != 0 || consumed != 0 {
		t.Errorf("got %d frames, %d consumed", len(frames), consumed)
	}
}

func TestExtractFrames_NoiseOnly(t *testing.T) {
	t.Parallel()

	frames, consumed := ExtractFrames("npm WARN deprecated\nbuild output\n")
	if len(frames) != 0 || consumed != 0 {
		t.Errorf("got %d frames, %d consumed", len(frames), consumed)
	}
}

func TestProtocolRoundTrip(t *testing.T) {
	t.Parallel()

	// Framing a result then parsing yields the same value regardless of
	// surrounding noise lines.
	payload, err := json.Marshal(Output{Status: StatusSuccess, Result: strPtr("hello")})
	if err != nil {
		t.Fatal(err)
	}
	buf := "log line\n" + OutputStartMarker + "\n" + string(payload) + "\n" + OutputEndMarker + "\nmore noise"

	frames, _ := ExtractFrames(buf)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}

	var out Output
	if err := json.Unmarshal([]byte(frames[0]), &out); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if out.Result == nil || *out.Result != "hello" {
		t.Errorf("result = %v, want hello", out.Result)
	}
}

func TestOutputMeaningful(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  Output
		want bool
	}{
		{"keepalive", Output{Status: StatusSuccess}, false},
		{"final result", Output{Status: StatusSuccess, Result: strPtr("x")}, true},
		{"tool event", Output{Status: StatusSuccess, Event: &StreamEvent{Type: EventToolStart}}, true},
		{"session only", Output{Status: StatusSuccess, NewSessionID: "s"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.out.Meaningful(); got != tt.want {
				t.Errorf("Meaningful() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutputDecodesWireFormat(t *testing.T) {
	t.Parallel()

	raw := `{"status":"success","result":null,"event":{"type":"tool_start","toolName":"Bash","toolInput":"ls"}}`
	var out Output
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatal(err)
	}
	if out.Event == nil || out.Event.Type != EventToolStart || out.Event.ToolName != "Bash" {
		t.Errorf("event = %+v", out.Event)
	}
	if out.Result != nil {
		t.Errorf("result = %v, want nil", out.Result)
	}
}

func strPtr(s string) *string { return &s }
