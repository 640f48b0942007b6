package entities

import "testing"

func TestConversation_LastOnEmptyTranscript(t *testing.T) {
	conv := Conversation{ID: "conv_1"}

	if _, ok := conv.Last(); ok {
		t.Error("expected no last exchange on empty transcript")
	}
	if conv.HasPending() {
		t.Error("empty transcript cannot have a pending exchange")
	}
}

func TestConversation_HasPending(t *testing.T) {
	conv := Conversation{
		Exchanges: []Exchange{
			{Index: 0, Status: StatusCompleted},
			{Index: 1, Status: StatusPending},
		},
	}

	if !conv.HasPending() {
		t.Error("expected tail exchange to be pending")
	}

	last, _ := conv.Last()
	if last.Index != 1 {
		t.Errorf("expected last index 1, got %d", last.Index)
	}
}

func TestConversation_HasChunk(t *testing.T) {
	conv := Conversation{ChunkIDs: []string{"doc_a-0", "doc_a-1"}}

	if !conv.HasChunk("doc_a-1") {
		t.Error("expected chunk doc_a-1 to be committed")
	}
	if conv.HasChunk("doc_b-0") {
		t.Error("unexpected chunk doc_b-0")
	}
}

func TestConversation_History(t *testing.T) {
	conv := Conversation{
		Exchanges: []Exchange{
			{Index: 0, Status: StatusCompleted, Prompt: Prompt{Text: "q0"}, Response: Response{Text: "a0"}},
			{Index: 1, Status: StatusError, Prompt: Prompt{Text: "q1"}},
			{Index: 2, Status: StatusCompleted, Prompt: Prompt{Text: "q2"}, Response: Response{Text: "a2"}},
			{Index: 3, Status: StatusCompleted, Prompt: Prompt{Text: "q3"}, Response: Response{Text: "a3"}},
			{Index: 4, Status: StatusPending, Prompt: Prompt{Text: "q4"}},
		},
	}

	got := conv.History(4, 2)
	if len(got) != 2 || got[0].Question != "q2" || got[1].Answer != "a3" {
		t.Errorf("expected the two latest completed turns oldest first, got %+v", got)
	}

	got = conv.History(4, 10)
	if len(got) != 3 || got[0].Question != "q0" {
		t.Errorf("failed exchanges should be skipped, got %+v", got)
	}

	if got := conv.History(0, 3); len(got) != 0 {
		t.Errorf("nothing precedes the first exchange, got %+v", got)
	}
	if got := conv.History(4, 0); got != nil {
		t.Errorf("zero turns requested, got %+v", got)
	}
}

func TestExchangeStatus_Valid(t *testing.T) {
	for _, s := range []ExchangeStatus{StatusPending, StatusCompleted, StatusError} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if ExchangeStatus("processing").Valid() {
		t.Error("processing is not an exchange status")
	}
}

func TestUpload_Descriptor(t *testing.T) {
	up := Upload{Filename: "notes.txt", MediaType: MediaTypeText, Data: []byte("hello")}

	d := up.Descriptor()
	if d.Size != 5 || d.Filename != "notes.txt" || d.MediaType != MediaTypeText {
		t.Errorf("unexpected descriptor: %+v", d)
	}
}
