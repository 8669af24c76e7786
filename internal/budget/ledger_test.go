package budget

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/securestore"
	"agentspend/go-backend/internal/testutil/fsperm"
)

const testAccount = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"

// fakeInspector reports a fixed remaining delegation and tracks how many
// reads overlap.
type fakeInspector struct {
	mu        sync.Mutex
	remaining uint64
	err       error
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (f *fakeInspector) setRemaining(v uint64) {
	f.mu.Lock()
	f.remaining = v
	f.mu.Unlock()
}

func (f *fakeInspector) Inspect(_ context.Context, ownerAccount string) (delegation.Status, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return delegation.Status{}, f.err
	}
	delegate := chain.NoDelegate()
	if f.remaining > 0 {
		delegate = chain.SomeDelegate(testAccount)
	}
	return delegation.Status{
		IsActive:        f.remaining > 0,
		Delegate:        delegate,
		RemainingAmount: f.remaining,
		OwnerAccount:    ownerAccount,
	}, nil
}

func newLedger(t *testing.T, initial, remaining uint64) (*Ledger, *fakeInspector) {
	t.Helper()
	inspector := &fakeInspector{remaining: remaining}
	l, err := New(initial, inspector, Options{})
	if err != nil {
		t.Fatalf("new ledger failed: %v", err)
	}
	return l, inspector
}

func TestNewRejectsZeroBudget(t *testing.T) {
	if _, err := New(0, &fakeInspector{}, Options{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCheckBudgetScenarios(t *testing.T) {
	cases := []struct {
		name      string
		initial   uint64
		spent     uint64
		remaining uint64
		want      uint64
	}{
		{"untouched", 10_000_000, 0, 10_000_000, 10_000_000},
		{"chain lower than local", 10_000_000, 3_000_000, 2_000_000, 2_000_000},
		{"local lower than chain", 10_000_000, 9_000_000, 5_000_000, 1_000_000},
		{"delegation gone", 10_000_000, 0, 0, 0},
		{"budget used up", 5, 5, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newLedger(t, tc.initial, tc.remaining)
			if tc.spent > 0 {
				if err := l.RecordSpend(tc.spent, "sig-setup"); err != nil {
					t.Fatalf("setup spend failed: %v", err)
				}
			}
			check, err := l.CheckBudget(context.Background(), testAccount)
			if err != nil {
				t.Fatalf("check failed: %v", err)
			}
			if check.Available != tc.want {
				t.Fatalf("expected available %d, got %d", tc.want, check.Available)
			}
			if check.Available != min(check.RemainingOnChain, tc.initial-check.Spent) {
				t.Fatalf("available is not min(remaining, initial-spent): %+v", check)
			}
			if check.Spent != tc.spent || check.RemainingOnChain != tc.remaining {
				t.Fatalf("unexpected check %+v", check)
			}
		})
	}
}

func TestCheckBudgetSurfacesTransportError(t *testing.T) {
	l, inspector := newLedger(t, 10, 10)
	inspector.err = chain.Transport("getAccountInfo", errors.New("timeout"))
	if _, err := l.CheckBudget(context.Background(), testAccount); !errors.Is(err, chain.ErrRPC) {
		t.Fatalf("expected ErrRPC, got %v", err)
	}
}

func TestRecordSpendBoundary(t *testing.T) {
	l, _ := newLedger(t, 10_000_000, 10_000_000)
	if err := l.RecordSpend(4_000_000, "sig-1"); err != nil {
		t.Fatalf("first spend failed: %v", err)
	}
	if err := l.RecordSpend(6_000_001, "sig-2"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded one unit over, got %v", err)
	}
	if err := l.RecordSpend(6_000_000, "sig-3"); err != nil {
		t.Fatalf("spend of exactly the remaining budget failed: %v", err)
	}
	if l.TotalSpent() != l.InitialBudget() {
		t.Fatalf("expected budget fully spent, got %d", l.TotalSpent())
	}
	if err := l.RecordSpend(1, "sig-4"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestRecordSpendValidation(t *testing.T) {
	l, _ := newLedger(t, 100, 100)
	if err := l.RecordSpend(0, "sig"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	for _, ref := range []string{"", "   ", "\t\n"} {
		if err := l.RecordSpend(1, ref); !errors.Is(err, ErrMissingReference) {
			t.Fatalf("expected ErrMissingReference for %q, got %v", ref, err)
		}
	}
	if l.TotalSpent() != 0 || len(l.SpendHistory()) != 0 {
		t.Fatal("rejected spends must not change state")
	}
}

func TestTotalSpentEqualsSumOfAcceptedSpends(t *testing.T) {
	l, _ := newLedger(t, 1_000, 1_000)
	var accepted uint64
	for i, amount := range []uint64{100, 250, 700, 400, 1, 249, 5} {
		if err := l.RecordSpend(amount, fmt.Sprintf("sig-%d", i)); err == nil {
			accepted += amount
		} else if !errors.Is(err, ErrBudgetExceeded) {
			t.Fatalf("unexpected error %v", err)
		}
		if l.TotalSpent() > l.InitialBudget() {
			t.Fatalf("total spent %d exceeds budget", l.TotalSpent())
		}
	}
	if l.TotalSpent() != accepted {
		t.Fatalf("expected total %d, got %d", accepted, l.TotalSpent())
	}
	var fromHistory uint64
	for _, entry := range l.SpendHistory() {
		fromHistory += entry.Amount
	}
	if fromHistory != accepted {
		t.Fatalf("history sums to %d, expected %d", fromHistory, accepted)
	}
}

func TestConcurrentSpendsJointlyOverBudget(t *testing.T) {
	for round := 0; round < 50; round++ {
		l, _ := newLedger(t, 10_000_000, 10_000_000)
		var wg sync.WaitGroup
		var ok, exceeded atomic.Int32
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				err := l.RecordSpend(6_000_000, fmt.Sprintf("sig-%d", i))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrBudgetExceeded):
					exceeded.Add(1)
				default:
					t.Errorf("unexpected error %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()
		if ok.Load() != 1 || exceeded.Load() != 1 {
			t.Fatalf("round %d: expected one success and one rejection, got %d/%d", round, ok.Load(), exceeded.Load())
		}
	}
}

func TestCheckBudgetAndRecordSpendAreSerialized(t *testing.T) {
	l, inspector := newLedger(t, 10_000_000, 10_000_000)
	inspector.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]Check, 4)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			check, err := l.CheckBudget(context.Background(), testAccount)
			if err != nil {
				t.Errorf("check failed: %v", err)
				return
			}
			results[i] = check
		}(i)
		go func(i int) {
			defer wg.Done()
			if err := l.RecordSpend(1_000_000, fmt.Sprintf("sig-%d", i)); err != nil {
				t.Errorf("spend failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := inspector.maxInFlight.Load(); got != 1 {
		t.Fatalf("expected on-chain reads to be serialized, saw %d in flight", got)
	}
	for i, check := range results {
		if check.Available != min(check.RemainingOnChain, 10_000_000-check.Spent) {
			t.Fatalf("check %d inconsistent: %+v", i, check)
		}
	}
	if l.TotalSpent() != 4_000_000 {
		t.Fatalf("expected 4000000 spent, got %d", l.TotalSpent())
	}
}

func TestSpendWithinBudgetAllowsExactlyOneOfTwoOverlappingSpends(t *testing.T) {
	l, inspector := newLedger(t, 10_000_000, 10_000_000)
	inspector.delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	var settled atomic.Int32
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.SpendWithinBudget(context.Background(), testAccount, 6_000_000, func(context.Context) (string, error) {
				settled.Add(1)
				return fmt.Sprintf("sig-%d", i), nil
			})
		}(i)
	}
	wg.Wait()

	if settled.Load() != 1 {
		t.Fatalf("expected exactly one settlement, got %d", settled.Load())
	}
	failures := 0
	for _, err := range errs {
		if err != nil {
			if !errors.Is(err, ErrBudgetExceeded) {
				t.Fatalf("unexpected error %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected one rejection, got %d", failures)
	}
}

func TestSpendWithinBudgetTrustsConservativeFigure(t *testing.T) {
	l, inspector := newLedger(t, 10_000_000, 10_000_000)
	if err := l.RecordSpend(3_000_000, "sig-0"); err != nil {
		t.Fatalf("setup spend failed: %v", err)
	}
	inspector.setRemaining(2_000_000)
	called := false
	_, err := l.SpendWithinBudget(context.Background(), testAccount, 2_000_001, func(context.Context) (string, error) {
		called = true
		return "sig-1", nil
	})
	if !errors.Is(err, ErrBudgetExceeded) || called {
		t.Fatalf("expected rejection before settling, got err=%v called=%v", err, called)
	}
}

func TestSpendWithinBudgetRecordsReferenceDespiteError(t *testing.T) {
	l, _ := newLedger(t, 100, 100)
	confirmErr := errors.New("confirmation wait abandoned")
	ref, err := l.SpendWithinBudget(context.Background(), testAccount, 40, func(context.Context) (string, error) {
		return "sig-landed", confirmErr
	})
	if !errors.Is(err, confirmErr) || ref != "sig-landed" {
		t.Fatalf("expected reference with error, got %q %v", ref, err)
	}
	if l.TotalSpent() != 40 {
		t.Fatalf("spend with a reference must be recorded, got %d", l.TotalSpent())
	}

	_, err = l.SpendWithinBudget(context.Background(), testAccount, 10, func(context.Context) (string, error) {
		return "", errors.New("rejected before submission")
	})
	if err == nil || l.TotalSpent() != 40 {
		t.Fatalf("failed settlement without reference must not be recorded, total %d err %v", l.TotalSpent(), err)
	}
}

func TestHistoryIsDefensiveCopyAndResetKeepsBudget(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l, err := New(100, &fakeInspector{remaining: 100}, Options{Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if err := l.RecordSpend(10, "  sig-1  "); err != nil {
		t.Fatalf("spend failed: %v", err)
	}
	history := l.SpendHistory()
	if history[0].Reference != "sig-1" || !history[0].At.Equal(now) {
		t.Fatalf("unexpected entry %+v", history[0])
	}
	history[0].Amount = 99
	if l.SpendHistory()[0].Amount != 10 {
		t.Fatal("mutating the returned history changed the ledger")
	}

	l.Reset()
	if l.TotalSpent() != 0 || len(l.SpendHistory()) != 0 || l.InitialBudget() != 100 {
		t.Fatal("reset must clear spend and history only")
	}
}

func TestSnapshotRoundtripThroughEncryptedFile(t *testing.T) {
	l, inspector := newLedger(t, 1_000, 1_000)
	for i, amount := range []uint64{100, 200} {
		if err := l.RecordSpend(amount, fmt.Sprintf("sig-%d", i)); err != nil {
			t.Fatalf("spend failed: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "budget", "agent.snap")
	if err := SaveSnapshot(l, testAccount, path, "snapshot secret"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	fsperm.AssertPrivateFilePerm(t, path)

	restored, snap, err := LoadSnapshot(path, "snapshot secret", inspector, Options{})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snap.OwnerAccount != testAccount || restored.TotalSpent() != 300 || len(restored.SpendHistory()) != 2 {
		t.Fatalf("unexpected restored ledger: %+v", snap)
	}
	if err := restored.RecordSpend(701, "sig-over"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("restored ledger must enforce the budget, got %v", err)
	}
	if _, _, err := LoadSnapshot(path, "wrong secret", inspector, Options{}); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	cases := []Snapshot{
		{Version: 1, InitialBudget: 100, TotalSpent: 50, History: []SpendEntry{{Amount: 40, Reference: "a"}}},
		{Version: 1, InitialBudget: 100, TotalSpent: 150, History: []SpendEntry{{Amount: 150, Reference: "a"}}},
		{Version: 1, InitialBudget: 100, TotalSpent: 0, History: []SpendEntry{{Amount: 0, Reference: "a"}}},
		{Version: 1, InitialBudget: 100, TotalSpent: 5, History: []SpendEntry{{Amount: 5, Reference: " "}}},
		{Version: 2, InitialBudget: 100},
	}
	for i, snap := range cases {
		if _, err := Restore(snap, &fakeInspector{}, Options{}); !errors.Is(err, ErrCorruptSnapshot) {
			t.Fatalf("case %d: expected ErrCorruptSnapshot, got %v", i, err)
		}
	}
}
