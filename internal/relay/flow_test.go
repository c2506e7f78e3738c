package relay

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTransitionTable(t *testing.T) {
	now := time.Now()
	exID := uuid.New()

	tests := []struct {
		name       string
		state      State
		in         Inbound
		wantKind   StateKind
		wantAction ActionKind
	}{
		{
			name:       "start while idle sends link",
			state:      State{Kind: StateIdle},
			in:         Inbound{Kind: InboundStart},
			wantKind:   StateIdle,
			wantAction: ActionSendLink,
		},
		{
			name:       "start abandons pending flow",
			state:      State{Kind: StateAwaitingMessage, Token: "abc"},
			in:         Inbound{Kind: InboundStart},
			wantKind:   StateIdle,
			wantAction: ActionSendLink,
		},
		{
			name:       "deep link arms message flow",
			state:      State{Kind: StateIdle},
			in:         Inbound{Kind: InboundStartToken, Token: "abc"},
			wantKind:   StateAwaitingMessage,
			wantAction: ActionEnterAwaitMessage,
		},
		{
			name:       "deep link replaces pending reply flow",
			state:      State{Kind: StateAwaitingReply, ExchangeID: exID},
			in:         Inbound{Kind: InboundStartToken, Token: "abc"},
			wantKind:   StateAwaitingMessage,
			wantAction: ActionEnterAwaitMessage,
		},
		{
			name:       "message while awaiting message relays",
			state:      State{Kind: StateAwaitingMessage, Token: "abc"},
			in:         Inbound{Kind: InboundMessage, Text: "hello"},
			wantKind:   StateIdle,
			wantAction: ActionRelay,
		},
		{
			name:       "message while awaiting reply delivers",
			state:      State{Kind: StateAwaitingReply, ExchangeID: exID},
			in:         Inbound{Kind: InboundMessage, Text: "hi"},
			wantKind:   StateIdle,
			wantAction: ActionDeliverReply,
		},
		{
			name:       "message while idle degrades to guidance",
			state:      State{Kind: StateIdle},
			in:         Inbound{Kind: InboundMessage, Text: "hello?"},
			wantKind:   StateIdle,
			wantAction: ActionGuidance,
		},
		{
			name:       "cancel while idle degrades to guidance",
			state:      State{Kind: StateIdle},
			in:         Inbound{Kind: InboundCancel},
			wantKind:   StateIdle,
			wantAction: ActionGuidance,
		},
		{
			name:       "cancel aborts pending flow",
			state:      State{Kind: StateAwaitingMessage, Token: "abc"},
			in:         Inbound{Kind: InboundCancel},
			wantKind:   StateIdle,
			wantAction: ActionCancel,
		},
		{
			name:       "reply button arms reply flow",
			state:      State{Kind: StateIdle},
			in:         Inbound{Kind: InboundReplyCallback, ExchangeID: exID},
			wantKind:   StateAwaitingReply,
			wantAction: ActionEnterAwaitReply,
		},
		{
			name:       "native reply while idle resolves by message id",
			state:      State{Kind: StateIdle},
			in:         Inbound{Kind: InboundNativeReply, ReplyToMsgID: 42},
			wantKind:   StateIdle,
			wantAction: ActionResolveNativeReply,
		},
		{
			name:       "native reply mid-send is the pending message",
			state:      State{Kind: StateAwaitingMessage, Token: "abc"},
			in:         Inbound{Kind: InboundNativeReply, ReplyToMsgID: 42, Text: "hello"},
			wantKind:   StateIdle,
			wantAction: ActionRelay,
		},
		{
			name:       "unknown input kind degrades to guidance",
			state:      State{Kind: StateAwaitingReply, ExchangeID: exID},
			in:         Inbound{Kind: 0},
			wantKind:   StateIdle,
			wantAction: ActionGuidance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, act := Transition(tt.state, tt.in, now)
			if next.Kind != tt.wantKind {
				t.Errorf("next state = %s, want %s", next.Kind, tt.wantKind)
			}
			if act.Kind != tt.wantAction {
				t.Errorf("action = %d, want %d", act.Kind, tt.wantAction)
			}
		})
	}
}

func TestTransitionCarriesPayloads(t *testing.T) {
	now := time.Now()

	next, act := Transition(State{Kind: StateIdle}, Inbound{Kind: InboundStartToken, Token: "tok"}, now)
	if next.Token != "tok" || act.Token != "tok" {
		t.Fatalf("token not carried: state %q action %q", next.Token, act.Token)
	}
	if next.Since != now {
		t.Fatalf("Since = %v, want %v", next.Since, now)
	}

	exID := uuid.New()
	next, act = Transition(State{Kind: StateIdle}, Inbound{Kind: InboundReplyCallback, ExchangeID: exID}, now)
	if next.ExchangeID != exID || act.ExchangeID != exID {
		t.Fatalf("exchange id not carried")
	}

	_, act = Transition(State{Kind: StateAwaitingMessage, Token: "tok"}, Inbound{Kind: InboundMessage}, now)
	if act.Token != "tok" {
		t.Fatalf("relay action lost token")
	}
}

func TestStateManagerLazyExpiry(t *testing.T) {
	m := NewStateManager(30 * time.Minute)
	base := time.Now()

	m.Put(1, State{Kind: StateAwaitingMessage, Token: "tok", Since: base})

	s, expired := m.Get(1, base.Add(10*time.Minute))
	if expired || s.Kind != StateAwaitingMessage {
		t.Fatalf("fresh cursor expired early: %v %v", s.Kind, expired)
	}

	s, expired = m.Get(1, base.Add(31*time.Minute))
	if !expired {
		t.Fatal("stale cursor did not expire")
	}
	if s.Kind != StateIdle {
		t.Fatalf("expired cursor = %s, want idle", s.Kind)
	}

	// The notice fires exactly once: the next access sees a plain idle.
	s, expired = m.Get(1, base.Add(32*time.Minute))
	if expired || s.Kind != StateIdle {
		t.Fatalf("second access after expiry: %v %v", s.Kind, expired)
	}
}

func TestStateManagerInProgress(t *testing.T) {
	m := NewStateManager(30 * time.Minute)
	if m.InProgress(1) {
		t.Fatal("empty manager reports progress")
	}
	m.Put(1, State{Kind: StateAwaitingReply, Since: time.Now()})
	if !m.InProgress(1) {
		t.Fatal("armed cursor not reported")
	}
	m.Put(1, State{Kind: StateIdle})
	if m.InProgress(1) {
		t.Fatal("idle cursor reported as progress")
	}
}
