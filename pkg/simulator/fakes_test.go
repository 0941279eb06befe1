package simulator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"mixwatch/pkg/detector"
)

var errFake = errors.New("fake failure")

// dispatcher 生成包含给定选择器的函数分发片段
func dispatcher(selectors ...Selector) []byte {
	code := []byte{0x60, 0x00, 0x35, 0x60, 0xe0, 0x1c}
	for _, s := range selectors {
		code = append(code, 0x80, 0x63)
		code = append(code, s[:]...)
		code = append(code, 0x14, 0x61, 0x00, 0x40, 0x57)
	}
	return append(code, 0x00)
}

type creationEvent struct {
	from  common.Address
	to    *common.Address
	block uint64
}

func (e creationEvent) From() common.Address { return e.from }
func (e creationEvent) To() *common.Address { return e.to }
func (e creationEvent) Hash() common.Hash { return common.HexToHash("0xfeed") }
func (e creationEvent) BlockNumber() uint64 { return e.block }
func (e creationEvent) FilterLog(abi.Event, []common.Address) []detector.DecodedLog {
	return nil
}

type fakeResolver struct {
	addr common.Address
	err  error
}

func (r fakeResolver) ResolveCreatedContract(ctx context.Context, txHash common.Hash) (common.Address, error) {
	return r.addr, r.err
}

// fakeFork 内存中的分叉，effects 描述每个选择器调用后的余额变化
type fakeFork struct {
	code     map[common.Address][]byte
	native   map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int
	effects  map[Selector]func(f *fakeFork)
	reverts  map[Selector]bool
	unlocked map[common.Address]bool

	probes []Selector
	closed bool
}

func newFakeFork() *fakeFork {
	return &fakeFork{
		code:     make(map[common.Address][]byte),
		native:   make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
		effects:  make(map[Selector]func(f *fakeFork)),
		reverts:  make(map[Selector]bool),
		unlocked: make(map[common.Address]bool),
	}
}

func (f *fakeFork) addNative(holder common.Address, v *big.Int) {
	cur := f.native[holder]
	if cur == nil {
		cur = new(big.Int)
	}
	f.native[holder] = new(big.Int).Add(cur, v)
}

func (f *fakeFork) addToken(asset, holder common.Address, v *big.Int) {
	if f.tokens[asset] == nil {
		f.tokens[asset] = make(map[common.Address]*big.Int)
	}
	cur := f.tokens[asset][holder]
	if cur == nil {
		cur = new(big.Int)
	}
	f.tokens[asset][holder] = new(big.Int).Add(cur, v)
}

func (f *fakeFork) BlockNumber() uint64 { return 1 }

func (f *fakeFork) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeFork) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if v, ok := f.native[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// CallContract 仅支持 ERC20 balanceOf
func (f *fakeFork) CallContract(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	method, err := erc20ABI.MethodById(data)
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	holder := args[0].(common.Address)
	bal := new(big.Int)
	if v, ok := f.tokens[to][holder]; ok {
		bal.Set(v)
	}
	return method.Outputs.Pack(bal)
}

func (f *fakeFork) Signer(addr common.Address) (Signer, error) {
	if !f.unlocked[addr] {
		return nil, ErrNotUnlocked
	}
	return &fakeSigner{fork: f, addr: addr}, nil
}

func (f *fakeFork) Close() error {
	f.closed = true
	return nil
}

type fakeSigner struct {
	fork *fakeFork
	addr common.Address
}

func (s *fakeSigner) Address() common.Address { return s.addr }

func (s *fakeSigner) SendTransaction(ctx context.Context, to common.Address, data []byte) error {
	var sel Selector
	copy(sel[:], data)
	s.fork.probes = append(s.fork.probes, sel)
	if s.fork.reverts[sel] {
		return ErrReverted
	}
	if effect, ok := s.fork.effects[sel]; ok {
		effect(s.fork)
	}
	return nil
}

type fakeForkProvider struct {
	fork  *fakeFork
	err   error
	calls int
}

func (p *fakeForkProvider) Fork(ctx context.Context, block uint64, unlocked []common.Address) (Fork, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	for _, a := range unlocked {
		p.fork.unlocked[a] = true
	}
	return p.fork, nil
}

// failingBatcher 在第 failAt 次 ExecuteAll 时返回错误
type failingBatcher struct {
	failAt int
	count  int
}

func (b *failingBatcher) Open(fork Fork, chainID uint64) (BalanceBatch, error) {
	inner, _ := DirectBatcher{}.Open(fork, chainID)
	return &failingBatch{BalanceBatch: inner, parent: b}, nil
}

type failingBatch struct {
	BalanceBatch
	parent *failingBatcher
}

func (b *failingBatch) ExecuteAll(ctx context.Context, calls []BalanceCall) ([]*big.Int, error) {
	b.parent.count++
	if b.parent.count == b.parent.failAt {
		return nil, errFake
	}
	return b.BalanceBatch.ExecuteAll(ctx, calls)
}
