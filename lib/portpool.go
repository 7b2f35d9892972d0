package lib

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PortPool manages the ephemeral ports handed to dialed connections.
// Ports are kept in a ring shuffled once at creation, so consecutive dials
// get unrelated port numbers and a returned port goes to the back of the line.
type PortPool struct {
	ports           []int
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[int]struct{}
	mtx             sync.Mutex
}

func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1

	perm := rand.Perm(capacity)
	ports := make([]int, capacity)
	for i, v := range perm {
		ports[i] = minPort + v
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]struct{}),
		isFull:       true,
	}
}

// allocatePort retrieves the next free port from the ring.
func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		log.Warn().Msg("port pool is empty, cannot allocate")
		return 0, ErrNoPortAvailable
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[port] = struct{}{}
	return port, nil
}

// returnPort puts an allocated port back at the tail of the ring.
func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return errors.Errorf("port %d out of range %d-%d", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return errors.Errorf("port %d was not allocated", port)
	}
	if p.isFull {
		return errors.New("port pool is full")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, port)
	return nil
}

func (p *PortPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.allocatedMap)
}
