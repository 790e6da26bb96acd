package gateway

import "testing"

func TestReplayBuffer_Since(t *testing.T) {
	rb := NewReplayBuffer(100)

	for i := int64(1); i <= 10; i++ {
		rb.Push(i, "u1", []byte("msg"))
	}

	got := rb.Since(6, "")
	if len(got) != 4 {
		t.Fatalf("Since(6): expected 4, got %d", len(got))
	}
	for i, e := range got {
		expected := int64(i) + 7
		if e.Seq != expected {
			t.Errorf("entry[%d].Seq = %d, want %d", i, e.Seq, expected)
		}
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)

	// 8 entries into 5 slots evicts seqs 1-3
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, "u1", []byte("msg"))
	}

	if rb.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", rb.Len())
	}

	got := rb.Since(0, "")
	if len(got) != 5 {
		t.Fatalf("Since(0): expected 5, got %d", len(got))
	}
	if got[0].Seq != 4 {
		t.Errorf("oldest entry seq = %d, want 4", got[0].Seq)
	}
	if got[4].Seq != 8 {
		t.Errorf("newest entry seq = %d, want 8", got[4].Seq)
	}
}

func TestReplayBuffer_FiltersUser(t *testing.T) {
	rb := NewReplayBuffer(10)
	rb.Push(1, "u1", []byte("a"))
	rb.Push(2, "u2", []byte("b"))
	rb.Push(3, "u1", []byte("c"))

	got := rb.Since(0, "u1")
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 3 {
		t.Fatalf("expected seqs 1 and 3 for u1, got %+v", got)
	}
	if string(got[1].Data) != "c" {
		t.Errorf("unexpected data %q", got[1].Data)
	}
}

func TestReplayBuffer_Empty(t *testing.T) {
	rb := NewReplayBuffer(10)
	if got := rb.Since(0, ""); len(got) != 0 {
		t.Fatalf("empty buffer Since should return 0, got %d", len(got))
	}
}
