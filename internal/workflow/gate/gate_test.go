package gate

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
)

var opened = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newGate(quorum int, timeout time.Duration, approvers ...string) Instance {
	return Open("inst", "review", workflow.ApprovalGate{Approvers: approvers, Quorum: quorum, Timeout: timeout}, opened)
}

func TestOpenComputesDeadlineAndDefaultQuorum(t *testing.T) {
	g := newGate(0, time.Hour, "alice", "bob")
	if g.ID != "inst/review" {
		t.Fatalf("unexpected id %s", g.ID)
	}
	if g.Quorum != 2 {
		t.Fatalf("quorum should default to approver count, got %d", g.Quorum)
	}
	if !g.Deadline.Equal(opened.Add(time.Hour)) {
		t.Fatalf("deadline = %s", g.Deadline)
	}
	if g.Status != StatusAwaiting {
		t.Fatalf("status = %s", g.Status)
	}
	if noDeadline := newGate(1, 0, "alice"); !noDeadline.Deadline.IsZero() {
		t.Fatalf("zero timeout should not set a deadline")
	}
}

func TestRecordApprovesAtQuorum(t *testing.T) {
	g := newGate(2, 0, "alice", "bob", "carol")
	status, err := g.Record("alice", Approve, "", opened)
	if err != nil || status != StatusAwaiting {
		t.Fatalf("first approval: status=%s err=%v", status, err)
	}
	if !reflect.DeepEqual(g.Outstanding(), []string{"bob", "carol"}) {
		t.Fatalf("outstanding = %v", g.Outstanding())
	}
	status, err = g.Record("carol", Approve, "lgtm", opened.Add(time.Minute))
	if err != nil || status != StatusApproved {
		t.Fatalf("second approval: status=%s err=%v", status, err)
	}
	if !g.ResolvedAt.Equal(opened.Add(time.Minute)) {
		t.Fatalf("resolved at = %s", g.ResolvedAt)
	}
}

func TestRecordRejectIsImmediate(t *testing.T) {
	g := newGate(2, 0, "alice", "bob")
	if _, err := g.Record("alice", Approve, "", opened); err != nil {
		t.Fatalf("approve: %v", err)
	}
	status, err := g.Record("bob", Reject, "not yet", opened)
	if err != nil || status != StatusRejected {
		t.Fatalf("reject: status=%s err=%v", status, err)
	}
	rejection, ok := g.Rejection()
	if !ok || rejection.ApproverID != "bob" || rejection.Comment != "not yet" {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
}

func TestRecordDuplicateLeavesGateUnchanged(t *testing.T) {
	g := newGate(2, 0, "alice", "bob")
	if _, err := g.Record("alice", Approve, "", opened); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := g.Clone()
	_, err := g.Record("alice", Approve, "again", opened)
	if !errors.Is(err, ErrDuplicateApprover) {
		t.Fatalf("expected duplicate approver error, got %v", err)
	}
	if !reflect.DeepEqual(before, g) {
		t.Fatalf("duplicate decision mutated the gate")
	}
	if _, err := g.Record("alice", Reject, "", opened); !errors.Is(err, ErrDuplicateApprover) {
		t.Fatalf("a changed verdict is still a duplicate, got %v", err)
	}
}

func TestRecordRejectsUnauthorizedAndClosed(t *testing.T) {
	g := newGate(1, 0, "alice")
	if _, err := g.Record("mallory", Approve, "", opened); !errors.Is(err, ErrUnauthorizedApprover) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := g.Record("alice", Approve, "", opened); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := g.Record("alice", Approve, "", opened); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("closed gate should win over duplicate, got %v", err)
	}
	if _, err := g.Record("alice", Verdict("maybe"), "", opened); err == nil {
		t.Fatalf("expected error for unknown verdict")
	}
}

func TestExpireTransitionsOnce(t *testing.T) {
	g := newGate(2, time.Hour, "alice", "bob")
	if g.Expire(opened.Add(59 * time.Minute)) {
		t.Fatalf("gate should not expire before the deadline")
	}
	if !g.Expire(opened.Add(time.Hour)) {
		t.Fatalf("gate should expire at the deadline")
	}
	if g.Status != StatusTimedOut {
		t.Fatalf("status = %s", g.Status)
	}
	if g.Expire(opened.Add(2 * time.Hour)) {
		t.Fatalf("gate should expire only once")
	}
	if _, err := g.Record("alice", Approve, "", opened.Add(2*time.Hour)); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("late approval should see a closed gate, got %v", err)
	}
}

func TestWithdrawClosesAwaitingGateOnly(t *testing.T) {
	g := newGate(1, 0, "alice")
	if !g.Withdraw(opened.Add(time.Minute)) {
		t.Fatalf("awaiting gate should withdraw")
	}
	if g.Status != StatusWithdrawn || !g.Status.IsTerminal() || g.ResolvedAt.IsZero() {
		t.Fatalf("unexpected gate after withdraw: %+v", g)
	}
	if _, err := g.Record("alice", Approve, "", opened.Add(time.Hour)); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("withdrawn gate should reject decisions, got %v", err)
	}

	approved := newGate(1, 0, "alice")
	if _, err := approved.Record("alice", Approve, "", opened); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Withdraw(opened.Add(time.Minute)) || approved.Status != StatusApproved {
		t.Fatalf("resolved gate must keep its status, got %s", approved.Status)
	}
}

func TestParseVerdict(t *testing.T) {
	if v, err := ParseVerdict("approved"); err != nil || v != Approve {
		t.Fatalf("approved -> %s %v", v, err)
	}
	if v, err := ParseVerdict("reject"); err != nil || v != Reject {
		t.Fatalf("reject -> %s %v", v, err)
	}
	if _, err := ParseVerdict("abstain"); err == nil {
		t.Fatalf("expected error for abstain")
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	instanceID, stage, ok := ParseID(ID("inst-1", "signoff"))
	if !ok || instanceID != "inst-1" || stage != "signoff" {
		t.Fatalf("unexpected parse: %q %q %v", instanceID, stage, ok)
	}
	for _, bad := range []string{"", "inst-1", "/signoff", "inst-1/"} {
		if _, _, ok := ParseID(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
