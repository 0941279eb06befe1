package detector

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type fakeLog struct {
	emitter common.Address
	topic   common.Hash
	args    map[string]interface{}
}

type fakeEvent struct {
	from  common.Address
	to    *common.Address
	hash  common.Hash
	block uint64
	logs  []fakeLog
}

func (e *fakeEvent) From() common.Address { return e.from }
func (e *fakeEvent) To() *common.Address  { return e.to }
func (e *fakeEvent) Hash() common.Hash    { return e.hash }
func (e *fakeEvent) BlockNumber() uint64  { return e.block }

func (e *fakeEvent) FilterLog(event abi.Event, addresses []common.Address) []DecodedLog {
	var out []DecodedLog
	for i, l := range e.logs {
		if l.topic != event.ID {
			continue
		}
		for _, a := range addresses {
			if a == l.emitter {
				out = append(out, DecodedLog{Address: l.emitter, Index: uint(i), Args: l.args})
				break
			}
		}
	}
	return out
}

type fakeResolver struct {
	addr  common.Address
	err   error
	calls int
}

func (r *fakeResolver) ResolveCreatedContract(ctx context.Context, txHash common.Hash) (common.Address, error) {
	r.calls++
	return r.addr, r.err
}

var errResolve = errors.New("receipt unavailable")

// memTracker 不限容量的内存集合
type memTracker struct {
	set map[common.Address]bool
}

func newMemTracker(addrs ...common.Address) *memTracker {
	t := &memTracker{set: make(map[common.Address]bool)}
	for _, a := range addrs {
		t.set[a] = true
	}
	return t
}

func (t *memTracker) Contains(addr common.Address) bool { return t.set[addr] }
func (t *memTracker) Insert(addr common.Address)        { t.set[addr] = true }
func (t *memTracker) Len() int                          { return len(t.set) }
