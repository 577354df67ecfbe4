package sandbox

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	Idle State = iota
	Preparing
	Running
	Succeeded
	Failed
	TimedOut
)

func getStateMapping() []string {
	return []string{"idle", "preparing", "running", "succeeded", "failed", "timed-out"}
}

func (s State) String() string {
	if s < 0 || int(s) >= len(getStateMapping()) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return getStateMapping()[s]
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	return s == Succeeded || s == Failed || s == TimedOut
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for n, name := range getStateMapping() {
		if name == str {
			*s = State(n)
			return nil
		}
	}
	return fmt.Errorf("invalid sandbox state: %s", str)
}

var transitions = map[State][]State{
	Idle:      {Preparing},
	Preparing: {Running, Failed},
	Running:   {Succeeded, Failed, TimedOut},
}

// machine tracks the state of one execution and records every transition.
type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: Idle, path: []State{Idle}}
}

func (m *machine) to(next State) {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.path = append(m.path, next)
			return
		}
	}
	panic(fmt.Sprintf("sandbox: illegal state transition %s -> %s", m.state, next))
}
