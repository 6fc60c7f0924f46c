//
//Copyright [2016] [SnapRoute Inc]
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//	 Unless required by applicable law or agreed to in writing, software
//	 distributed under the License is distributed on an "AS IS" BASIS,
//	 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	 See the License for the specific language governing permissions and
//	 limitations under the License.
//

// Package fsm is a small table driven state machine. Transitions are
// registered per (state, event) pair; an action computes the next state
// and returns the side effects the owner must carry out. The machine
// itself never performs I/O or arms timers.
package fsm

import "fmt"

type State int

type Event int

// Effect is an opaque side effect produced by an Action.
type Effect interface{}

// Action runs on a transition and returns the state to enter.
type Action func(m *Machine, data interface{}) (State, []Effect)

// StateEvent records the current and previous state/event of a machine.
type StateEvent interface {
	CurrentState() State
	PreviousState() State
	CurrentEvent() Event
	PreviousEvent() Event
	SetEvent(src string, e Event)
	SetState(s State)
}

// Ruleset maps a state and event to the action that handles it.
type Ruleset map[State]map[Event]Action

func (r Ruleset) AddRule(s State, e Event, a Action) {
	if r[s] == nil {
		r[s] = make(map[Event]Action)
	}
	r[s][e] = a
}

// Has reports whether e is handled in state s.
func (r Ruleset) Has(s State, e Event) bool {
	_, ok := r[s][e]
	return ok
}

type Machine struct {
	Curr  StateEvent
	Rules *Ruleset
}

// ErrInvalidTransition is returned when no rule handles an event.
type ErrInvalidTransition struct {
	State State
	Event Event
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("fsm: no rule for event %d in state %d", e.Event, e.State)
}

// Start forces the machine into s without running an action.
func (m *Machine) Start(s State) {
	m.Curr.SetState(s)
}

// ProcessEvent runs the action registered for the current state and e,
// moves to the returned state and hands back the action's effects.
func (m *Machine) ProcessEvent(src string, e Event, data interface{}) ([]Effect, error) {
	s := m.Curr.CurrentState()
	a, ok := (*m.Rules)[s][e]
	if !ok {
		return nil, ErrInvalidTransition{State: s, Event: e}
	}
	m.Curr.SetEvent(src, e)
	next, effects := a(m, data)
	m.Curr.SetState(next)
	return effects, nil
}
