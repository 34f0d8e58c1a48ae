package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
)

// restart shuts n down and opens a fresh engine and FSM over its stores.
func (c *testCluster) restart(t *testing.T, n *testNode) {
	t.Helper()
	n.raft.Shutdown()
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		n.fsm = &testFSM{}
		n.open(t, c.net)
	}()
	n.raft.Start()
}

func (c *testCluster) rafts() []*Raft {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Raft, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n.raft)
	}
	return out
}

// watchLeaders samples every node until the returned function is called and
// fails the test if two nodes ever led the same term.
func watchLeaders(t *testing.T, c *testCluster) func() {
	leaders := make(map[uint64]hraft.ServerID)
	var violation string
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, r := range c.rafts() {
				st := r.Stats()
				if st.State != hraft.Leader {
					continue
				}
				if prev, ok := leaders[st.Term]; ok && prev != st.ID && violation == "" {
					violation = fmt.Sprintf("term %d has two leaders: %s and %s", st.Term, prev, st.ID)
				}
				leaders[st.Term] = st.ID
			}
			time.Sleep(time.Millisecond)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if violation != "" {
				t.Error(violation)
			}
		})
	}
}

func readLog(t *testing.T, n *testNode) map[uint64]*hraft.Log {
	t.Helper()
	first, err := n.store.FirstIndex()
	if err != nil {
		t.Fatal(err)
	}
	last, err := n.store.LastIndex()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[uint64]*hraft.Log)
	for i := first; first > 0 && i <= last; i++ {
		l := new(hraft.Log)
		if err := n.store.GetLog(i, l); err != nil {
			t.Fatalf("%s: entry %d: %v", n.conf.LocalID, i, err)
		}
		out[i] = l
	}
	return out
}

func sameEntry(a, b *hraft.Log) bool {
	return a.Term == b.Term && a.Type == b.Type && string(a.Data) == string(b.Data)
}

func hasCommand(log map[uint64]*hraft.Log, v string) bool {
	for _, l := range log {
		if l.Type == hraft.LogCommand && string(l.Data) == v {
			return true
		}
	}
	return false
}

// checkLogs asserts log matching across every pair of nodes, and that every
// acknowledged value is stored on a majority and on the leader.
func checkLogs(t *testing.T, c *testCluster, leader *testNode, acked []string) {
	t.Helper()
	logs := make([]map[uint64]*hraft.Log, len(c.nodes))
	for i, n := range c.nodes {
		logs[i] = readLog(t, n)
	}

	for i := range logs {
		for j := i + 1; j < len(logs); j++ {
			a, b := logs[i], logs[j]
			hi := uint64(len(a))
			if uint64(len(b)) < hi {
				hi = uint64(len(b))
			}
			for idx := hi; idx > 0; idx-- {
				if a[idx].Term != b[idx].Term {
					continue
				}
				for k := uint64(1); k <= idx; k++ {
					if !sameEntry(a[k], b[k]) {
						t.Fatalf("%s and %s agree at index %d but differ at %d",
							c.nodes[i].conf.LocalID, c.nodes[j].conf.LocalID, idx, k)
					}
				}
				break
			}
		}
	}

	leaderLog := readLog(t, leader)
	for _, v := range acked {
		holders := 0
		for _, log := range logs {
			if hasCommand(log, v) {
				holders++
			}
		}
		if holders < len(c.nodes)/2+1 {
			t.Fatalf("acknowledged %q is stored on %d of %d nodes", v, holders, len(c.nodes))
		}
		if !hasCommand(leaderLog, v) {
			t.Fatalf("leader %s lost acknowledged %q", leader.conf.LocalID, v)
		}
	}
}

// quiesce heals the network and waits until one leader has a committed
// entry of its own term that every node has stored.
func quiesce(t *testing.T, c *testCluster, marker string) *testNode {
	t.Helper()
	c.net.Heal()
	var leader *testNode
	waitFor(t, 5*time.Second, "the cluster to commit "+marker, func() bool {
		leader = c.waitLeader(t)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err := leader.raft.Apply(ctx, []byte(marker))
		return err == nil
	})
	want := leader.raft.Stats().LastLogIndex
	waitFor(t, 3*time.Second, "every node to store "+marker, func() bool {
		for _, n := range c.nodes {
			st := n.raft.Stats()
			if st.LastLogIndex < want || st.CommitIndex < want {
				return false
			}
		}
		return true
	})
	return leader
}

func currentLeader(c *testCluster) *testNode {
	for _, n := range c.nodes {
		if n.raft.State() == hraft.Leader {
			return n
		}
	}
	return nil
}

func TestSafetyUnderFaults(t *testing.T) {
	if testing.Short() {
		t.Skip("fault injection is slow")
	}
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	c := newTestCluster(t, 5, nil)
	c.waitLeader(t)
	stop := watchLeaders(t, c)
	defer stop()

	var acked []string
	for cycle := 0; cycle < 8; cycle++ {
		switch rng.Intn(4) {
		case 0:
			var cut []hraft.ServerAddress
			for _, i := range rng.Perm(len(c.nodes))[:1+rng.Intn(2)] {
				cut = append(cut, c.nodes[i].conf.LocalAddr)
			}
			c.net.Partition(cut...)
		case 1:
			c.restart(t, c.nodes[rng.Intn(len(c.nodes))])
		case 2:
			if l := currentLeader(c); l != nil {
				c.net.Partition(l.conf.LocalAddr)
			}
		case 3:
			if l := currentLeader(c); l != nil {
				c.restart(t, l)
			}
		}

		deadline := time.Now().Add(200 * time.Millisecond)
		for i := 0; time.Now().Before(deadline); i++ {
			l := currentLeader(c)
			if l == nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			v := fmt.Sprintf("c%d-%d", cycle, i)
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			_, err := l.raft.Apply(ctx, []byte(v))
			cancel()
			if err == nil {
				acked = append(acked, v)
			}
		}

		marker := fmt.Sprintf("sync-%d", cycle)
		leader := quiesce(t, c, marker)
		acked = append(acked, marker)
		checkLogs(t, c, leader, acked)
	}
	stop()
}

// gatedFSM blocks when it applies gate until release is closed.
type gatedFSM struct {
	*testFSM
	gate    string
	release chan struct{}
}

func (f *gatedFSM) Apply(l *hraft.Log) interface{} {
	if string(l.Data) == f.gate {
		<-f.release
	}
	return f.testFSM.Apply(l)
}

func TestRestartedNodeKeepsJoinedVoters(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	n1 := c.waitLeader(t)
	apply(t, n1, "gate")

	for _, id := range []string{"n2", "n3"} {
		n := newTestNode(t, c.net, testConfig(id))
		n.raft.Start()
		c.nodes = append(c.nodes, n)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := n1.raft.AddVoter(ctx, n.conf.LocalID, n.conf.LocalAddr)
		cancel()
		if err != nil {
			t.Fatalf("AddVoter(%s): %v", id, err)
		}
	}
	apply(t, n1, "after")
	waitConverged(t, c.nodes, []string{"gate", "after"})

	n1.raft.Shutdown()
	c.waitLeader(t, n1)

	// Reopen n1 with an FSM that stalls on "gate", so replay stops right after
	// the one-voter bootstrap configuration.
	inner := &testFSM{}
	fsm := &gatedFSM{testFSM: inner, gate: "gate", release: make(chan struct{})}
	r, err := New(n1.conf, fsm, n1.store, n1.store, n1.snaps, c.net.Transport(n1.conf.LocalAddr), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.net.Register(n1.conf.LocalAddr, r)
	t.Cleanup(r.Shutdown)
	var once sync.Once
	release := func() { once.Do(func() { close(fsm.release) }) }
	t.Cleanup(release)
	n1.raft, n1.fsm = r, inner

	if got := len(votersOf(r.Stats().Membership)); got != 0 {
		t.Fatalf("applied voters before replay = %d, want 0", got)
	}
	r.Start()
	waitFor(t, 3*time.Second, "n1 to replay the bootstrap entry", func() bool {
		return r.Stats().AppliedIndex == 1
	})

	c.net.Partition(n1.conf.LocalAddr)
	deadline := time.Now().Add(10 * n1.conf.ElectionTimeout)
	for time.Now().Before(deadline) {
		if r.State() == hraft.Leader {
			t.Fatalf("isolated n1 became leader in term %d", r.Term())
		}
		time.Sleep(2 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err = r.Apply(ctx, []byte("lost"))
	cancel()
	var nle *NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("Apply on isolated n1: got %v, want NotLeaderError", err)
	}

	release()
	c.net.Heal()
	waitConverged(t, c.nodes, []string{"gate", "after"})
	waitFor(t, time.Second, "n1 to apply every membership entry", func() bool {
		return len(r.Membership().Servers) == 3
	})
}
