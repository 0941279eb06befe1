package local

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapProvider 内存中的原始状态，记录每类查询次数
type mapProvider struct {
	balances map[common.Address]*big.Int
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
	fail     bool

	balanceCalls int
	storageCalls int
}

func (p *mapProvider) GetBalance(addr common.Address) (*big.Int, error) {
	p.balanceCalls++
	if p.fail {
		return nil, errors.New("rpc down")
	}
	if b, ok := p.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (p *mapProvider) GetNonce(addr common.Address) (uint64, error) {
	return 0, nil
}

func (p *mapProvider) GetCode(addr common.Address) ([]byte, error) {
	return p.code[addr], nil
}

func (p *mapProvider) GetStorage(addr common.Address, slot common.Hash) (common.Hash, error) {
	p.storageCalls++
	return p.storage[addr][slot], nil
}

func (p *mapProvider) GetBlockHash(number uint64) (common.Hash, error) {
	return common.Hash{}, errors.New("not available")
}

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	vault = common.HexToAddress("0x3333333333333333333333333333333333333333")
	slot1 = common.HexToHash("0x01")
)

// TestLazyBalanceSurvivesRevert 测试回滚不会丢失按需拉取的状态
func TestLazyBalanceSurvivesRevert(t *testing.T) {
	provider := &mapProvider{balances: map[common.Address]*big.Int{alice: big.NewInt(5)}}
	db, err := NewStateAdapter(nil, provider)
	require.NoError(t, err)

	snap := db.Snapshot()
	assert.Equal(t, uint64(5), db.GetBalance(alice).Uint64())
	db.AddBalance(alice, uint256.NewInt(7), tracing.BalanceChangeUnspecified)
	assert.Equal(t, uint64(12), db.GetBalance(alice).Uint64())

	db.RevertToSnapshot(snap)
	assert.Equal(t, uint64(5), db.GetBalance(alice).Uint64())
	assert.Equal(t, 1, provider.balanceCalls)
}

// TestLazyStorage 测试存储槽按需拉取与回滚
func TestLazyStorage(t *testing.T) {
	want := common.HexToHash("0xbeef")
	provider := &mapProvider{storage: map[common.Address]map[common.Hash]common.Hash{vault: {slot1: want}}}
	db, err := NewStateAdapter(nil, provider)
	require.NoError(t, err)

	snap := db.Snapshot()
	prev := db.SetState(vault, slot1, common.HexToHash("0x02"))
	assert.Equal(t, want, prev)

	current, committed := db.GetStateAndCommittedState(vault, slot1)
	assert.Equal(t, common.HexToHash("0x02"), current)
	assert.Equal(t, want, committed)

	db.RevertToSnapshot(snap)
	assert.Equal(t, want, db.GetState(vault, slot1))
	assert.Equal(t, 1, provider.storageCalls)
}

func TestOverrideAccountsDoNotHitProvider(t *testing.T) {
	provider := &mapProvider{}
	db, err := NewStateAdapter(StateOverride{
		vault.Hex(): {Balance: "0x10", Nonce: "3", Code: "0x6000", State: map[string]string{"0x01": "0x05"}},
	}, provider)
	require.NoError(t, err)

	assert.Equal(t, uint64(16), db.GetBalance(vault).Uint64())
	assert.Equal(t, uint64(3), db.GetNonce(vault))
	assert.Equal(t, []byte{0x60, 0x00}, db.GetCode(vault))
	assert.Equal(t, common.HexToHash("0x05"), db.GetState(vault, slot1))
	assert.Equal(t, common.Hash{}, db.GetState(vault, common.HexToHash("0x02")))
	assert.Equal(t, 0, provider.balanceCalls)
	assert.Equal(t, 0, provider.storageCalls)
}

func TestInvalidOverride(t *testing.T) {
	_, err := NewStateAdapter(StateOverride{vault.Hex(): {Balance: "0xzz"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidStateOverride)

	_, err = NewStateAdapter(StateOverride{"not-an-address": {Balance: "1"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidStateOverride)

	_, err = NewStateAdapter(StateOverride{vault.Hex(): {Nonce: "x"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidStateOverride)
}

// TestCreateContractKeepsBalance 测试新建合约保留余额并清空存储
func TestCreateContractKeepsBalance(t *testing.T) {
	provider := &mapProvider{
		balances: map[common.Address]*big.Int{vault: big.NewInt(9)},
		storage:  map[common.Address]map[common.Hash]common.Hash{vault: {slot1: common.HexToHash("0x07")}},
	}
	db, err := NewStateAdapter(nil, provider)
	require.NoError(t, err)

	db.CreateContract(vault)
	assert.Equal(t, uint64(9), db.GetBalance(vault).Uint64())
	assert.Equal(t, common.Hash{}, db.GetState(vault, slot1))
	assert.Equal(t, 0, provider.storageCalls)
	assert.True(t, db.Exist(vault))
}

func TestProviderFailuresAreCounted(t *testing.T) {
	db, err := NewStateAdapter(nil, &mapProvider{fail: true})
	require.NoError(t, err)

	assert.True(t, db.GetBalance(alice).IsZero())
	assert.Equal(t, 1, db.ProviderErrors())
}

func TestExistenceAndCodeHash(t *testing.T) {
	db, err := NewStateAdapter(StateOverride{alice.Hex(): {Balance: "1"}}, nil)
	require.NoError(t, err)

	assert.True(t, db.Exist(alice))
	assert.Equal(t, types.EmptyCodeHash, db.GetCodeHash(alice))
	assert.False(t, db.Exist(vault))
	assert.True(t, db.Empty(vault))
	assert.Equal(t, common.Hash{}, db.GetCodeHash(vault))
}

func TestLogsRevert(t *testing.T) {
	db, err := NewStateAdapter(nil, nil)
	require.NoError(t, err)

	db.AddLog(&types.Log{Address: vault})
	snap := db.Snapshot()
	db.AddLog(&types.Log{Address: alice})
	require.Len(t, db.Logs(), 2)
	assert.Equal(t, uint(1), db.Logs()[1].Index)

	db.RevertToSnapshot(snap)
	assert.Len(t, db.Logs(), 1)
}

// TestSelfDestructFinalise 测试 EIP-6780 仅销毁同一交易创建的账户
func TestSelfDestructFinalise(t *testing.T) {
	db, err := NewStateAdapter(StateOverride{vault.Hex(): {Balance: "4", Code: "0x00"}}, nil)
	require.NoError(t, err)

	_, destroyed := db.SelfDestruct6780(vault)
	assert.False(t, destroyed)
	db.Finalise(true)
	assert.Equal(t, []byte{0x00}, db.GetCode(vault))

	db.CreateAccount(alice)
	db.SetCode(alice, []byte{0x00})
	_, destroyed = db.SelfDestruct6780(alice)
	assert.True(t, destroyed)
	db.Finalise(true)
	assert.Empty(t, db.GetCode(alice))
	assert.False(t, db.Exist(alice))
}
