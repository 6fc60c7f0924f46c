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

// debugEventLog keeps the recent state transitions of each port so
// they can be shown next to its status
package lacp

import (
	"strings"

	"go.uber.org/zap"
)

const lacpDebugEventsMax = 32

type LacpDebug struct {
	events []string
	next   int
}

func (d *LacpDebug) add(msg string) {
	if len(d.events) < lacpDebugEventsMax {
		d.events = append(d.events, msg)
		return
	}
	d.events[d.next] = msg
	d.next = (d.next + 1) % lacpDebugEventsMax
}

// Events returns the logged transitions, oldest first.
func (d *LacpDebug) Events() []string {
	out := make([]string, 0, len(d.events))
	out = append(out, d.events[d.next:]...)
	return append(out, d.events[:d.next]...)
}

func (p *LaAggPort) LacpDebugEventLog(machine string, msg string) {
	p.debug.add(strings.Join([]string{p.sys.now().Format("15:04:05.000"), machine, msg}, " "))
	p.logger.Debug(msg, zap.String("machine", machine))
}
