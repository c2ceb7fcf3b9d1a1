package imap

import (
	"context"
	"errors"
	"testing"
)

func TestFake_ImplementsSession(t *testing.T) {
	var _ Session = NewFake("work")
}

func TestFake_CreateDeleteFolder(t *testing.T) {
	f := NewFake("work")
	ctx := context.Background()

	if err := f.CreateFolder(ctx, "Archive"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if err := f.CreateFolder(ctx, "Archive"); err == nil {
		t.Fatal("expected error creating a folder that already exists")
	} else if ClassOf(err) != FailureFolderExists {
		t.Errorf("ClassOf = %v, want %v", ClassOf(err), FailureFolderExists)
	}

	if err := f.DeleteFolder(ctx, "Archive"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if err := f.DeleteFolder(ctx, "Archive"); err == nil {
		t.Fatal("expected error deleting a folder that no longer exists")
	} else if ClassOf(err) != FailureFolderNotFound {
		t.Errorf("ClassOf = %v, want %v", ClassOf(err), FailureFolderNotFound)
	}
}

func TestFake_AppendAndFetch(t *testing.T) {
	f := NewFake("work")
	ctx := context.Background()

	if err := f.AppendMessage(ctx, AppendOptions{Content: []byte("hello"), Flags: []string{`\Seen`}}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	envs, err := f.SearchMessages(ctx, "INBOX", SearchCriteria{}, 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(envs))
	}

	msgs, err := f.FetchMessages(ctx, "INBOX", []uint32{envs[0].UID})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 fetched message, got %d", len(msgs))
	}
}

func TestFake_ReadMessage_NotFound(t *testing.T) {
	f := NewFake("work")
	_, err := f.ReadMessage(context.Background(), "INBOX", 999)
	if err == nil {
		t.Fatal("expected an error for a missing UID")
	}
	if ClassOf(err) != FailureMessageNotFound {
		t.Errorf("ClassOf = %v, want %v", ClassOf(err), FailureMessageNotFound)
	}
}

func TestFake_MoveMessages(t *testing.T) {
	f := NewFake("work")
	ctx := context.Background()
	msg := f.Seed("INBOX", &Message{})

	if err := f.MoveMessages(ctx, "INBOX", []uint32{msg.UID}, "Archive"); err != nil {
		t.Fatalf("MoveMessages: %v", err)
	}

	remaining, _ := f.SearchMessages(ctx, "INBOX", SearchCriteria{}, 10)
	if len(remaining) != 0 {
		t.Errorf("expected INBOX to be empty after move, got %d", len(remaining))
	}

	moved, _ := f.SearchMessages(ctx, "Archive", SearchCriteria{}, 10)
	if len(moved) != 1 {
		t.Errorf("expected 1 message in Archive, got %d", len(moved))
	}
}

func TestFake_StoreFlags(t *testing.T) {
	f := NewFake("work")
	ctx := context.Background()
	msg := f.Seed("INBOX", &Message{Envelope: Envelope{Flags: []string{`\Seen`}}})

	if err := f.StoreFlags(ctx, "INBOX", []uint32{msg.UID}, FlagAdd, []string{`\Flagged`}); err != nil {
		t.Fatalf("StoreFlags add: %v", err)
	}
	if !containsFlag(msg.Flags, `\Flagged`) || !containsFlag(msg.Flags, `\Seen`) {
		t.Fatalf("expected both flags present after add, got %v", msg.Flags)
	}

	if err := f.StoreFlags(ctx, "INBOX", []uint32{msg.UID}, FlagRemove, []string{`\Seen`}); err != nil {
		t.Fatalf("StoreFlags remove: %v", err)
	}
	if containsFlag(msg.Flags, `\Seen`) {
		t.Fatalf("expected Seen flag removed, got %v", msg.Flags)
	}

	if err := f.StoreFlags(ctx, "INBOX", []uint32{msg.UID}, FlagSet, []string{`\Answered`}); err != nil {
		t.Fatalf("StoreFlags set: %v", err)
	}
	if len(msg.Flags) != 1 || msg.Flags[0] != `\Answered` {
		t.Fatalf("expected flags to be fully replaced, got %v", msg.Flags)
	}
}

func TestFake_DeleteMessages_ExpungesImmediately(t *testing.T) {
	f := NewFake("work")
	ctx := context.Background()
	msg := f.Seed("INBOX", &Message{})

	if err := f.DeleteMessages(ctx, "INBOX", []uint32{msg.UID}); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}

	remaining, _ := f.SearchMessages(ctx, "INBOX", SearchCriteria{}, 10)
	if len(remaining) != 0 {
		t.Errorf("expected message to be gone after delete+expunge, got %d", len(remaining))
	}
}

func TestFake_Idle_ReturnsUnsupported(t *testing.T) {
	f := NewFake("work")
	err := f.Idle(context.Background(), "INBOX", func() {})
	if !errors.Is(err, ErrIdleUnsupported) {
		t.Errorf("expected ErrIdleUnsupported, got %v", err)
	}
}

func TestFake_PingErrOverride(t *testing.T) {
	f := NewFake("work")
	f.PingErr = errors.New("connection reset")

	if err := f.Ping(context.Background()); err == nil {
		t.Fatal("expected the configured PingErr to be returned")
	}
}
