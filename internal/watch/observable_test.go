package watch

import "testing"

func TestObservableGetSet(t *testing.T) {
	o := New(1)
	if got := o.Get(); got != 1 {
		t.Fatalf("expected initial value 1, got %d", got)
	}
	o.Set(2)
	if got := o.Get(); got != 2 {
		t.Fatalf("expected 2 after Set, got %d", got)
	}
}

func TestObservableNotifiesAllSubscribers(t *testing.T) {
	o := New("")
	var first, second []string
	o.Subscribe(func(v string) { first = append(first, v) })
	o.Subscribe(func(v string) { second = append(second, v) })

	o.Set("a")
	o.Set("b")

	for name, seen := range map[string][]string{"first": first, "second": second} {
		if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
			t.Errorf("%s subscriber saw %v", name, seen)
		}
	}
}

func TestObservableUnsubscribe(t *testing.T) {
	o := New(0)
	var calls int
	unsubscribe := o.Subscribe(func(int) { calls++ })

	o.Set(1)
	unsubscribe()
	o.Set(2)
	unsubscribe() // second call is a no-op

	if calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", calls)
	}
}

func TestObservableSubscriberMayReenter(t *testing.T) {
	o := New(0)
	var seen []int
	o.Subscribe(func(v int) {
		seen = append(seen, v)
		if v == 1 {
			if got := o.Get(); got != 1 {
				t.Errorf("reentrant Get returned %d", got)
			}
		}
	})
	o.Set(1)
	if len(seen) != 1 {
		t.Fatalf("expected one notification, got %v", seen)
	}
}
