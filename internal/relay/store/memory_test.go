package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUpsertUserIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, err := m.UpsertUser(ctx, 1, "alice")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if !u.AnswerTip {
		t.Fatal("new users must default answer_tip to true")
	}
	first := u.FirstActivity

	u, err = m.UpsertUser(ctx, 1, "")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if u.Username.String != "alice" {
		t.Fatalf("empty username overwrote handle: %q", u.Username.String)
	}
	if !u.FirstActivity.Equal(first) {
		t.Fatal("first_activity changed on upsert")
	}
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.UpsertUser(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ActiveToken(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveToken on empty store = %v, want ErrNotFound", err)
	}

	if _, err := m.CreateToken(ctx, 1, "tok1"); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := m.CreateToken(ctx, 1, "tok2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second active token = %v, want ErrConflict", err)
	}

	u, err := m.ResolveToken(ctx, "tok1")
	if err != nil || u.ID != 1 {
		t.Fatalf("ResolveToken = (%v, %v)", u.ID, err)
	}

	if err := m.RevokeTokens(ctx, 1); err != nil {
		t.Fatalf("RevokeTokens: %v", err)
	}
	if _, err := m.ResolveToken(ctx, "tok1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked token = %v, want ErrNotFound", err)
	}
	if _, err := m.CreateToken(ctx, 1, "tok2"); err != nil {
		t.Fatalf("CreateToken after revoke: %v", err)
	}
}

func TestOpenExchangePairConflictConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := m.OpenExchange(ctx, Exchange{ID: uuid.New(), SenderID: 1, RecipientID: 2, Content: "x"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("open exchanges = %d, want exactly 1", succeeded)
	}
}

func TestCloseExchangeOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := uuid.New()

	if err := m.CloseExchange(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("close unknown = %v, want ErrNotFound", err)
	}

	if err := m.OpenExchange(ctx, Exchange{ID: id, SenderID: 1, RecipientID: 2, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := m.CloseExchange(ctx, id); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := m.CloseExchange(ctx, id); !errors.Is(err, ErrConflict) {
		t.Fatalf("second close = %v, want ErrConflict", err)
	}

	ex, err := m.Exchange(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != ExchangeAnswered || !ex.AnsweredAt.Valid {
		t.Fatalf("closed exchange not marked answered: %+v", ex)
	}
}

func TestFindExchangeByRecipientMsg(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := uuid.New()

	if err := m.OpenExchange(ctx, Exchange{ID: id, SenderID: 1, RecipientID: 2, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FindExchangeByRecipientMsg(ctx, 2, 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("untracked lookup = %v, want ErrNotFound", err)
	}

	if err := m.SetRecipientMsg(ctx, id, 77); err != nil {
		t.Fatal(err)
	}
	ex, err := m.FindExchangeByRecipientMsg(ctx, 2, 77)
	if err != nil || ex.ID != id {
		t.Fatalf("lookup = (%v, %v)", ex.ID, err)
	}

	// Answered exchanges are no longer reachable by message id.
	if err := m.CloseExchange(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FindExchangeByRecipientMsg(ctx, 2, 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("answered lookup = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	old := uuid.New()
	if err := m.OpenExchange(ctx, Exchange{ID: old, SenderID: 1, RecipientID: 2, Content: "x"}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(73 * time.Hour)
	fresh := uuid.New()
	if err := m.OpenExchange(ctx, Exchange{ID: fresh, SenderID: 3, RecipientID: 2, Content: "y"}); err != nil {
		t.Fatal(err)
	}

	n, err := m.DeleteExpired(ctx, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("dropped = %d, want 1", n)
	}
	if _, err := m.Exchange(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired exchange survived: %v", err)
	}
	if _, err := m.Exchange(ctx, fresh); err != nil {
		t.Fatalf("fresh exchange dropped: %v", err)
	}
}
