package entities

import "testing"

func TestParseStreamChunk(t *testing.T) {
	chunk, err := ParseStreamChunk([]byte(`{"text":"The door creaks open.","textDone":true}`))
	if err != nil {
		t.Fatalf("Expected chunk to parse, got %v", err)
	}
	if chunk.Text != "The door creaks open." {
		t.Errorf("Expected text, got %q", chunk.Text)
	}
	if !chunk.TextDone {
		t.Error("Expected textDone to be set")
	}
	if chunk.IsError() {
		t.Error("Expected non-error chunk")
	}
}

func TestParseStreamChunkRejectsUnknownFields(t *testing.T) {
	if _, err := ParseStreamChunk([]byte(`{"text":"hi","surprise":1}`)); err == nil {
		t.Error("Expected unknown field to be rejected")
	}
}

func TestParseStreamChunkRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseStreamChunk([]byte(`{"text":`)); err == nil {
		t.Error("Expected malformed payload to be rejected")
	}
}

func TestStreamChunkIsError(t *testing.T) {
	chunk, err := ParseStreamChunk([]byte(`{"error":"out of credits","errorCode":"quota"}`))
	if err != nil {
		t.Fatalf("Expected chunk to parse, got %v", err)
	}
	if !chunk.IsError() {
		t.Error("Expected error chunk")
	}
	if chunk.ErrorCode != "quota" {
		t.Errorf("Expected error code quota, got %s", chunk.ErrorCode)
	}
}

func TestMessageStatusSettled(t *testing.T) {
	cases := []struct {
		name    string
		status  MessageStatus
		settled bool
	}{
		{"text pending", MessageStatus{TextDone: false, ImageStatus: ImageStatusNone}, false},
		{"image generating", MessageStatus{TextDone: true, ImageStatus: ImageStatusGenerating}, false},
		{"no image", MessageStatus{TextDone: true, ImageStatus: ImageStatusNone}, true},
		{"image complete", MessageStatus{TextDone: true, ImageStatus: ImageStatusComplete}, true},
		{"image error", MessageStatus{TextDone: true, ImageStatus: ImageStatusError}, true},
	}

	for _, c := range cases {
		if c.status.Settled() != c.settled {
			t.Errorf("%s: expected settled=%v", c.name, c.settled)
		}
	}
}
