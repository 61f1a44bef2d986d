// meshsim spins an in-process multi-node mesh and pushes an SOS through it,
// printing what each node saw. Useful for eyeballing relay behavior without
// real radios.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rhkrohan/pigeon/internal/link"
	"github.com/rhkrohan/pigeon/internal/mesh"
	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/storage"
	"github.com/rhkrohan/pigeon/internal/store"
)

type simNode struct {
	id     string
	store  *store.Store
	topo   *mesh.Topology
	router *mesh.Router
}

func main() {
	nodeCount := flag.Int("nodes", 4, "Number of simulated nodes")
	full := flag.Bool("full", false, "Fully connect the mesh instead of a line")
	timeout := flag.Duration("timeout", 5*time.Second, "How long to wait for the flood to settle")
	flag.Parse()

	if *nodeCount < 2 {
		log.Fatalf("need at least 2 nodes, got %d", *nodeCount)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := link.NewMemNetwork()
	nodes := make([]*simNode, 0, *nodeCount)
	for i := 0; i < *nodeCount; i++ {
		node, err := newSimNode(ctx, net, fmt.Sprintf("node-%d", i))
		if err != nil {
			log.Fatalf("build node %d: %v", i, err)
		}
		nodes = append(nodes, node)
	}

	if *full {
		for i := range nodes {
			for j := i + 1; j < len(nodes); j++ {
				if err := net.Join(nodes[i].id, nodes[j].id); err != nil {
					log.Fatalf("join %s-%s: %v", nodes[i].id, nodes[j].id, err)
				}
			}
		}
	} else {
		for i := 0; i+1 < len(nodes); i++ {
			if err := net.Join(nodes[i].id, nodes[i+1].id); err != nil {
				log.Fatalf("join %s-%s: %v", nodes[i].id, nodes[i+1].id, err)
			}
		}
	}

	origin := nodes[0]
	sent, err := origin.router.SendSOS(message.Payload{
		Description: "Trapped near the river crossing",
		Urgency:     "critical",
	})
	if err != nil {
		log.Fatalf("send sos: %v", err)
	}
	log.Printf("%s originated sos %s", origin.id, sent.ID)

	if _, err := origin.router.DiscoverNetwork(); err != nil {
		log.Fatalf("discover: %v", err)
	}

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		if nodes[len(nodes)-1].store.HasSeen(sent.ID) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Let stragglers and discovery replies settle.
	time.Sleep(200 * time.Millisecond)

	topology := "line"
	if *full {
		topology = "full"
	}
	log.Printf("topology=%s nodes=%d frames_on_wire=%d", topology, len(nodes), net.FrameCount())

	for _, node := range nodes {
		copies := node.store.ByType(message.TypeSOS)
		if len(copies) != 1 {
			log.Printf("%s: admitted %d copies (want 1)", node.id, len(copies))
			continue
		}
		m := copies[0]
		log.Printf("%s: hopCount=%d path=%s", node.id, m.HopCount, strings.Join(m.Hops, "->"))
	}

	devices := origin.topo.Devices()
	log.Printf("%s topology view: %d devices known", origin.id, len(devices))
	for id, hops := range devices {
		log.Printf("  %s at %d hop(s)", id, hops)
	}
}

func newSimNode(ctx context.Context, net *link.MemNetwork, id string) (*simNode, error) {
	st, err := store.New(store.Config{Log: zap.NewNop(), KV: storage.NewMem()})
	if err != nil {
		return nil, err
	}
	topo := mesh.NewTopology(id)

	router, err := mesh.NewRouter(mesh.RouterConfig{
		Log:        zap.NewNop(),
		Store:      st,
		Link:       net.NewLink(id),
		Topology:   topo,
		DeviceID:   id,
		DeviceName: strings.ToUpper(id),
	})
	if err != nil {
		return nil, err
	}
	go func() { _ = router.Run(ctx) }()

	return &simNode{id: id, store: st, topo: topo, router: router}, nil
}
