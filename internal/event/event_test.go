package event

import (
	"reflect"
	"testing"
)

func TestFeedPublishOrder(t *testing.T) {
	var f Feed[string]
	var got []string
	f.Subscribe(func(s string) { got = append(got, "a:"+s) })
	f.Subscribe(func(s string) { got = append(got, "b:"+s) })

	f.Publish("x")
	want := []string{"a:x", "b:x"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFeedUnsubscribe(t *testing.T) {
	var f Feed[int]
	calls := 0
	unsub := f.Subscribe(func(int) { calls++ })
	f.Publish(1)
	unsub()
	unsub()
	f.Publish(2)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if f.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.Len())
	}
}

func TestFeedUnsubscribeDuringPublish(t *testing.T) {
	var f Feed[int]
	var second func()
	secondCalls := 0
	f.Subscribe(func(int) { second() })
	second = f.Subscribe(func(int) { secondCalls++ })

	f.Publish(1)
	if secondCalls != 0 {
		t.Errorf("removed callback ran %d times", secondCalls)
	}
}
