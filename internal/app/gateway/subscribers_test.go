package gateway

import "testing"

func TestSubscribersDispatchAndUnsubscribe(t *testing.T) {
	var s subscribers[int]

	var got []int
	unsub := s.add(func(v int) { got = append(got, v) })

	s.dispatch(1)
	s.dispatch(2)

	unsub()
	s.dispatch(3)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("received %v, want [1 2]", got)
	}
}

func TestSubscribersUnsubscribeTwice(t *testing.T) {
	var s subscribers[string]

	calls := 0
	first := s.add(func(string) { calls++ })
	second := s.add(func(string) { calls++ })

	first()
	first() // must be a no-op, not remove the other subscriber

	s.dispatch("x")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	second()
}

func TestSubscribersSelfUnsubscribe(t *testing.T) {
	var s subscribers[int]

	var unsub UnsubscribeFunc
	calls := 0
	unsub = s.add(func(int) {
		calls++
		unsub()
	})

	s.dispatch(1)
	s.dispatch(2)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
