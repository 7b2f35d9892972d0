package lib

import (
	"fmt"

	"github.com/rs/zerolog/log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a fixed-capacity byte chunk managed by the ring pool. Every
// unacknowledged data segment in a send queue keeps its bytes in one Payload.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. Its single parameter is the chunk capacity.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Int("params", len(params)).Msg("NewPayload: want exactly one parameter: buffer length")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		log.Error().Msg("NewPayload: buffer length must be an int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source(%d) is longer than buffer(%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool hands out MSS-sized chunks for send queue segments.
type payloadPool struct {
	pool *rp.RingPool
}

func newPayloadPool(size, mss int) *payloadPool {
	return &payloadPool{pool: rp.NewRingPool("TCP: ", size, NewPayload, mss)}
}

// get returns a chunk holding a copy of b. An exhausted ring hands out a
// freshly allocated element instead of failing, so only an oversized b errors.
func (pp *payloadPool) get(b []byte) (*rp.Element, error) {
	el := pp.pool.GetElement()
	if err := el.Data.(*Payload).Copy(b); err != nil {
		pp.pool.ReturnElement(el)
		return nil, err
	}
	return el, nil
}

func (pp *payloadPool) put(el *rp.Element) {
	if el != nil {
		pp.pool.ReturnElement(el)
	}
}

func chunkBytes(el *rp.Element) []byte {
	if el == nil {
		return nil
	}
	return el.Data.(*Payload).GetSlice()
}
