package reclaim

import (
	"context"
	"testing"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

type fakeResources struct {
	released []string
	fail     bool
}

func (r *fakeResources) Release(ctx context.Context, consumer string) (bool, error) {
	if r.fail {
		return false, context.DeadlineExceeded
	}
	r.released = append(r.released, consumer)
	return true, nil
}

type fakeLister struct{ data []intent.IntentData }

func (l *fakeLister) GetIntents(ctx context.Context) []intent.IntentData { return l.data }

func TestOnWithdrawnReleasesUngroupedByKey(t *testing.T) {
	res := &fakeResources{}
	r := New(res, &fakeLister{}, nil)

	data := intent.IntentData{
		Key:    intent.StringKey("k1"),
		State:  intent.StateWithdrawn,
		Intent: intent.Intent{Key: intent.StringKey("k1")},
	}
	if err := r.OnWithdrawn(context.Background(), data); err != nil {
		t.Fatalf("OnWithdrawn(): %v", err)
	}
	if len(res.released) != 1 || res.released[0] != "k1" {
		t.Fatalf("OnWithdrawn(): expected release under consumer k1, got %v", res.released)
	}
}

func TestOnWithdrawnHoldsGroupWithLiveSibling(t *testing.T) {
	res := &fakeResources{}
	lister := &fakeLister{data: []intent.IntentData{
		{Key: intent.StringKey("k2"), State: intent.StateInstalled, Intent: intent.Intent{ResourceGroup: "g1"}},
	}}
	r := New(res, lister, nil)

	data := intent.IntentData{
		Key:    intent.StringKey("k1"),
		State:  intent.StateWithdrawn,
		Intent: intent.Intent{ResourceGroup: "g1"},
	}
	if err := r.OnWithdrawn(context.Background(), data); err != nil {
		t.Fatalf("OnWithdrawn(): %v", err)
	}
	if len(res.released) != 0 {
		t.Fatalf("OnWithdrawn(): expected no release while a sibling still holds g1, got %v", res.released)
	}
}

func TestOnWithdrawnReleasesGroupOnLastSibling(t *testing.T) {
	res := &fakeResources{}
	lister := &fakeLister{data: []intent.IntentData{
		{Key: intent.StringKey("k2"), State: intent.StateWithdrawn, Intent: intent.Intent{ResourceGroup: "g1"}},
	}}
	r := New(res, lister, nil)

	data := intent.IntentData{
		Key:    intent.StringKey("k1"),
		State:  intent.StateWithdrawn,
		Intent: intent.Intent{ResourceGroup: "g1"},
	}
	if err := r.OnWithdrawn(context.Background(), data); err != nil {
		t.Fatalf("OnWithdrawn(): %v", err)
	}
	if len(res.released) != 1 || res.released[0] != "g1" {
		t.Fatalf("OnWithdrawn(): expected release under consumer g1, got %v", res.released)
	}
}

func TestOnWithdrawnSkippedWhenDisabled(t *testing.T) {
	res := &fakeResources{}
	r := New(res, &fakeLister{}, nil)
	r.SkipOnWithdrawal = true

	data := intent.IntentData{Key: intent.StringKey("k1"), State: intent.StateWithdrawn}
	if err := r.OnWithdrawn(context.Background(), data); err != nil {
		t.Fatalf("OnWithdrawn(): %v", err)
	}
	if len(res.released) != 0 {
		t.Fatal("OnWithdrawn(): expected no release when SkipOnWithdrawal is set")
	}
}

func TestOnWithdrawnIgnoresNonTerminalState(t *testing.T) {
	res := &fakeResources{}
	r := New(res, &fakeLister{}, nil)

	data := intent.IntentData{Key: intent.StringKey("k1"), State: intent.StateInstalling}
	if err := r.OnWithdrawn(context.Background(), data); err != nil {
		t.Fatalf("OnWithdrawn(): %v", err)
	}
	if len(res.released) != 0 {
		t.Fatal("OnWithdrawn(): expected no release for a non-withdrawn state")
	}
}
