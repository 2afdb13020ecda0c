package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/edgnss/onos-intent-core/internal/intent"
	"github.com/edgnss/onos-intent-core/internal/intent/installer"
)

func syncInstaller(fail bool) installer.Installer {
	return installer.InstallerFunc(func(ctx context.Context, c installer.Context) {
		if fail {
			c.Callback.Failed(ctx, c.Key, intent.ErrInstallTimeout)
			return
		}
		c.Callback.Success(ctx, c.Key)
	})
}

func TestDispatchAllSucceeded(t *testing.T) {
	reg := installer.NewRegistry()
	reg.Register("flow", "", syncInstaller(false))

	c := New(reg)
	done := make(chan Result, 1)
	c.Dispatch(context.Background(), intent.StringKey("k1"), nil,
		[]intent.Intent{{Subtype: "flow"}},
		CallbackFunc(func(ctx context.Context, res Result) { done <- res }))

	select {
	case res := <-done:
		if !res.AllSucceeded() {
			t.Fatalf("Dispatch(): expected AllSucceeded, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch(): callback never invoked")
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	reg := installer.NewRegistry()
	reg.Register("flow", "", syncInstaller(false))
	reg.Register("meter", "", syncInstaller(true))

	c := New(reg)
	done := make(chan Result, 1)
	c.Dispatch(context.Background(), intent.StringKey("k1"), nil,
		[]intent.Intent{{Subtype: "flow"}, {Subtype: "meter"}},
		CallbackFunc(func(ctx context.Context, res Result) { done <- res }))

	res := <-done
	if !res.PartialSuccess() {
		t.Fatalf("Dispatch(): expected PartialSuccess, got %+v", res)
	}
	if res.Succeeded != 1 || len(res.Errs) != 1 {
		t.Fatalf("Dispatch(): expected 1 success and 1 error, got %+v", res)
	}
}

func TestDispatchNoInstallablesReportsImmediately(t *testing.T) {
	reg := installer.NewRegistry()
	c := New(reg)
	done := make(chan Result, 1)
	c.Dispatch(context.Background(), intent.StringKey("k1"), nil, nil,
		CallbackFunc(func(ctx context.Context, res Result) { done <- res }))

	res := <-done
	if !res.AllSucceeded() {
		t.Fatalf("Dispatch(): expected trivially-succeeded empty result, got %+v", res)
	}
}

func TestDispatchUnregisteredSubtypeCountsAsFailure(t *testing.T) {
	reg := installer.NewRegistry()
	c := New(reg)
	done := make(chan Result, 1)
	c.Dispatch(context.Background(), intent.StringKey("k1"), nil,
		[]intent.Intent{{Subtype: "unknown"}},
		CallbackFunc(func(ctx context.Context, res Result) { done <- res }))

	res := <-done
	if res.AllSucceeded() {
		t.Fatalf("Dispatch(): expected failure for unregistered subtype, got %+v", res)
	}
}

func TestDispatchSubtypeFallsBackToParent(t *testing.T) {
	reg := installer.NewRegistry()
	reg.Register("flow", "", syncInstaller(false))

	c := New(reg)
	done := make(chan Result, 1)
	// "meter-on-flow" has no installer of its own, but declares "flow" as
	// its fallback parent inline on the installable itself.
	c.Dispatch(context.Background(), intent.StringKey("k1"), nil,
		[]intent.Intent{{Subtype: "meter-on-flow", Parent: "flow"}},
		CallbackFunc(func(ctx context.Context, res Result) { done <- res }))

	res := <-done
	if !res.AllSucceeded() {
		t.Fatalf("Dispatch(): expected parent fallback to succeed, got %+v", res)
	}
}

func TestDispatchLateReportAfterTimeoutIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	reg := installer.NewRegistry()
	reg.Register("flow", "", installer.InstallerFunc(func(ctx context.Context, c installer.Context) {
		<-release
		c.Callback.Success(ctx, c.Key)
	}))

	c := New(reg, WithInstallTimeout(10*time.Millisecond))
	done := make(chan Result, 1)
	// Apply blocks on release, so Dispatch itself (which calls Apply
	// synchronously) must run off the test goroutine for the timeout timer
	// to have a chance to fire first.
	go c.Dispatch(context.Background(), intent.StringKey("k1"), nil,
		[]intent.Intent{{Subtype: "flow"}},
		CallbackFunc(func(ctx context.Context, res Result) { done <- res }))

	res := <-done
	if res.AllSucceeded() {
		t.Fatalf("Dispatch(): expected timeout failure, got %+v", res)
	}
	close(release) // the installer's late Success report must be silently dropped

	select {
	case <-done:
		t.Fatal("Dispatch(): callback invoked a second time for a late report")
	case <-time.After(50 * time.Millisecond):
	}
}
