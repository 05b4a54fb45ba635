// Copyright 2016 The parity Authors
// This file is part of the parity library.
//
// The parity library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The parity library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the parity library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/kirushik/parity/p2p/discover"
)

// fakeTable is a discoverTable with canned responses.
type fakeTable struct {
	self  *discover.Node
	nodes []*discover.Node
}

func (t fakeTable) Self() *discover.Node                     { return t.self }
func (t fakeTable) Close()                                   {}
func (t fakeTable) Lookup(discover.NodeID) []*discover.Node  { return t.nodes }
func (t fakeTable) Resolve(discover.NodeID) *discover.Node   { return nil }
func (t fakeTable) ReadRandomNodes(buf []*discover.Node) int { return copy(buf, t.nodes) }

func uintID(i uint32) discover.NodeID {
	var id discover.NodeID
	id[0] = byte(i >> 24)
	id[1] = byte(i >> 16)
	id[2] = byte(i >> 8)
	id[3] = byte(i)
	return id
}

func testNode(i uint32) *discover.Node {
	return discover.NewNode(uintID(i), net.IP{127, 0, 0, byte(i)}, 30303, 30303)
}

func dialDests(tasks []task) map[discover.NodeID]*dialTask {
	dests := make(map[discover.NodeID]*dialTask)
	for _, t := range tasks {
		if dt, ok := t.(*dialTask); ok {
			dests[dt.dest.ID] = dt
		}
	}
	return dests
}

// Static nodes should be dialed as soon as the dialer is asked for
// tasks, but only once while the dial is in flight.
func TestDialStateStaticDial(t *testing.T) {
	static := []*discover.Node{testNode(1), testNode(2)}
	s := newDialState(static, nil, nil, 0)
	now := time.Now()

	tasks := s.newTasks(0, nil, now)
	dests := dialDests(tasks)
	if len(dests) != 2 {
		t.Fatalf("have %d dial tasks, want 2", len(dests))
	}
	for _, n := range static {
		dt := dests[n.ID]
		if dt == nil {
			t.Fatalf("no dial task for static node %v", n.ID.TerminalString())
		}
		if dt.flags&staticDialedConn == 0 {
			t.Errorf("dial task for %v is not flagged static", n.ID.TerminalString())
		}
	}

	// While the tasks are running no duplicates may be issued.
	if tasks := s.newTasks(len(tasks), nil, now); len(dialDests(tasks)) != 0 {
		t.Errorf("duplicate dial tasks while dialing: %v", tasks)
	}
}

func TestDialStateCheckDial(t *testing.T) {
	self := testNode(9)
	s := newDialState(nil, nil, fakeTable{self: self}, 4)
	now := time.Now()

	connected := testNode(1)
	peers := map[discover.NodeID]*Peer{
		connected.ID: {rw: &conn{flags: dynDialedConn, id: connected.ID}},
	}
	if err := s.checkDial(connected, peers, now); err != errAlreadyConnected {
		t.Errorf("connected node: have %v, want %v", err, errAlreadyConnected)
	}
	if err := s.checkDial(self, peers, now); err != errSelf {
		t.Errorf("self: have %v, want %v", err, errSelf)
	}

	dialing := testNode(2)
	s.dialing.Add(dialing.ID)
	if err := s.checkDial(dialing, peers, now); err != errAlreadyDialing {
		t.Errorf("dialing node: have %v, want %v", err, errAlreadyDialing)
	}

	fresh := testNode(3)
	if err := s.checkDial(fresh, peers, now); err != nil {
		t.Errorf("fresh node: have %v, want nil", err)
	}
}

// Failed dials enter the cooldown cache with doubling backoff, capped
// at dialBackoffMax. A successful dial gets a single base interval.
func TestDialTaskDoneBackoff(t *testing.T) {
	s := newDialState(nil, nil, nil, 0)
	now := time.Now()
	dest := testNode(1)

	for i, want := range []time.Duration{dialBackoffBase, 2 * dialBackoffBase, 4 * dialBackoffBase} {
		s.dialing.Add(dest.ID)
		s.taskDone(&dialTask{flags: staticDialedConn, dest: dest, failed: true}, now)
		v, ok := s.cooldown.Get(dest.ID)
		if !ok {
			t.Fatalf("round %d: no cooldown entry", i)
		}
		entry := v.(*cooldownEntry)
		if entry.fails != i+1 {
			t.Errorf("round %d: fails is %d, want %d", i, entry.fails, i+1)
		}
		if have := entry.until.Sub(now); have != want {
			t.Errorf("round %d: backoff is %v, want %v", i, have, want)
		}
	}

	// Push the failure count high enough to hit the cap.
	s.cooldown.Add(dest.ID, &cooldownEntry{fails: 30})
	s.dialing.Add(dest.ID)
	s.taskDone(&dialTask{flags: staticDialedConn, dest: dest, failed: true}, now)
	v, _ := s.cooldown.Get(dest.ID)
	if have := v.(*cooldownEntry).until.Sub(now); have != dialBackoffMax {
		t.Errorf("capped backoff is %v, want %v", have, dialBackoffMax)
	}

	// A successful dial only blocks redialing for the base interval.
	other := testNode(2)
	s.dialing.Add(other.ID)
	s.taskDone(&dialTask{flags: staticDialedConn, dest: other}, now)
	v, _ = s.cooldown.Get(other.ID)
	if have := v.(*cooldownEntry).until.Sub(now); have != dialBackoffBase {
		t.Errorf("success interval is %v, want %v", have, dialBackoffBase)
	}
	if err := s.checkDial(other, nil, now); err != errRecentlyDialed {
		t.Errorf("within cooldown: have %v, want %v", err, errRecentlyDialed)
	}
	if err := s.checkDial(other, nil, now.Add(dialBackoffBase+time.Second)); err != nil {
		t.Errorf("after cooldown: have %v, want nil", err)
	}
}

// removeStatic drops the dial task and clears the cooldown so the
// node can be redialed immediately when it is added back.
func TestDialStateRemoveStatic(t *testing.T) {
	node := testNode(1)
	s := newDialState([]*discover.Node{node}, nil, nil, 0)
	now := time.Now()

	tasks := s.newTasks(0, nil, now)
	if len(dialDests(tasks)) != 1 {
		t.Fatalf("have %d dial tasks, want 1", len(tasks))
	}
	s.taskDone(&dialTask{flags: staticDialedConn, dest: node, failed: true}, now)

	s.removeStatic(node)
	if tasks := s.newTasks(0, nil, now); len(dialDests(tasks)) != 0 {
		t.Errorf("dial task issued for removed static node")
	}

	s.addStatic(node)
	if tasks := s.newTasks(0, nil, now); len(dialDests(tasks)) != 1 {
		t.Errorf("re-added static node not dialed immediately")
	}
}

// With no peers at all, the dialer falls back to the bootnodes after
// fallbackInterval and rotates through them.
func TestDialStateBootnodeFallback(t *testing.T) {
	bootnodes := []*discover.Node{testNode(1), testNode(2)}
	s := newDialState(nil, bootnodes, nil, 2)
	t0 := time.Now()

	// The first call only starts the clock.
	if tasks := s.newTasks(0, nil, t0); len(dialDests(tasks)) != 0 {
		t.Errorf("bootnode dialed before fallback interval: %v", tasks)
	}

	later := t0.Add(fallbackInterval + time.Second)
	tasks := s.newTasks(0, nil, later)
	dests := dialDests(tasks)
	if len(dests) != 1 || dests[bootnodes[0].ID] == nil {
		t.Fatalf("first bootnode not dialed: %v", tasks)
	}
	s.taskDone(dests[bootnodes[0].ID], later)

	// The first bootnode is now in cooldown, the list has rotated.
	tasks = s.newTasks(0, nil, later)
	dests = dialDests(tasks)
	if len(dests) != 1 || dests[bootnodes[1].ID] == nil {
		t.Fatalf("second bootnode not dialed: %v", tasks)
	}
}

// Dynamic dials come from the table's random nodes, topped up by a
// discovery lookup task.
func TestDialStateDynDial(t *testing.T) {
	table := fakeTable{
		self:  testNode(99),
		nodes: []*discover.Node{testNode(1), testNode(2), testNode(3), testNode(4)},
	}
	s := newDialState(nil, nil, table, 8)

	tasks := s.newTasks(0, nil, time.Now())
	dests := dialDests(tasks)
	// Half of the eight needed dials may come from the table, which
	// has exactly four nodes to offer.
	if len(dests) != 4 {
		t.Errorf("have %d dial tasks, want 4", len(dests))
	}
	for _, dt := range dests {
		if dt.flags&dynDialedConn == 0 {
			t.Errorf("dial task for %v is not flagged dynamic", dt.dest.ID.TerminalString())
		}
	}
	var lookup *discoverTask
	for _, task := range tasks {
		if lt, ok := task.(*discoverTask); ok {
			lookup = lt
		}
	}
	if lookup == nil {
		t.Fatal("no discovery lookup task launched")
	}

	// Lookup results are consumed on the next pass.
	s.taskDone(lookup, time.Now())
	results := []*discover.Node{testNode(5), testNode(6)}
	s.lookupBuf = append(s.lookupBuf, results...)
	dests = dialDests(s.newTasks(len(dests), nil, time.Now()))
	for _, n := range results {
		if dests[n.ID] == nil {
			t.Errorf("lookup result %v not dialed", n.ID.TerminalString())
		}
	}
}

// When everything is in cooldown and nothing is running, a wait task
// keeps the scheduler loop ticking until the next expiry.
func TestDialStateWaitExpireTask(t *testing.T) {
	node := testNode(1)
	s := newDialState([]*discover.Node{node}, nil, nil, 0)
	now := time.Now()

	tasks := s.newTasks(0, nil, now)
	if len(tasks) != 1 {
		t.Fatalf("have %d tasks, want 1", len(tasks))
	}
	s.taskDone(tasks[0], now)

	tasks = s.newTasks(0, nil, now)
	if len(tasks) != 1 {
		t.Fatalf("have %d tasks, want 1 wait task", len(tasks))
	}
	wait, ok := tasks[0].(*waitExpireTask)
	if !ok {
		t.Fatalf("task is %T, want *waitExpireTask", tasks[0])
	}
	if wait.Duration <= 0 || wait.Duration > dialBackoffBase {
		t.Errorf("wait duration is %v, want (0, %v]", wait.Duration, dialBackoffBase)
	}
}
