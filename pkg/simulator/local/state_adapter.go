package local

import (
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

// StateAdapter 实现 vm.StateDB 接口
//
// 状态分两层：origin 为分叉区块上的原始状态（来自 StateOverride 或按需 RPC 拉取，只增不改），
// accounts 为分叉内的工作状态，首次访问时从 origin 复制。快照只保存工作状态，
// 因此回滚不会丢失已拉取的原始数据。
//
// StateAdapter 不是并发安全的，由 Fork 串行化访问。
type StateAdapter struct {
	provider LazyStateProvider

	origin       map[common.Address]*AccountState
	originSlots  map[common.Address]map[common.Hash]bool
	accounts     map[common.Address]*AccountState
	snapshots    map[int]*adapterSnapshot
	nextSnapID   int
	providerErrs int

	// Access lists (EIP-2929)
	accessedAddresses map[common.Address]struct{}
	accessedSlots     map[common.Address]map[common.Hash]struct{}

	// Transient storage (EIP-1153)
	transientStorage map[common.Address]map[common.Hash]common.Hash

	logs      []*types.Log
	preimages map[common.Hash][]byte

	// 当前交易内的自毁与新建账户
	selfDestructed map[common.Address]struct{}
	created        map[common.Address]struct{}

	refund uint64
}

type adapterSnapshot struct {
	accounts          map[common.Address]*AccountState
	logCount          int
	refund            uint64
	selfDestructed    map[common.Address]struct{}
	created           map[common.Address]struct{}
	transientStorage  map[common.Address]map[common.Hash]common.Hash
	accessedAddresses map[common.Address]struct{}
	accessedSlots     map[common.Address]map[common.Hash]struct{}
}

// NewStateAdapter 从 StateOverride 创建 StateAdapter，provider 为 nil 时缺失状态读作空
func NewStateAdapter(override StateOverride, provider LazyStateProvider) (*StateAdapter, error) {
	sa := &StateAdapter{
		provider:          provider,
		origin:            make(map[common.Address]*AccountState),
		originSlots:       make(map[common.Address]map[common.Hash]bool),
		accounts:          make(map[common.Address]*AccountState),
		snapshots:         make(map[int]*adapterSnapshot),
		accessedAddresses: make(map[common.Address]struct{}),
		accessedSlots:     make(map[common.Address]map[common.Hash]struct{}),
		transientStorage:  make(map[common.Address]map[common.Hash]common.Hash),
		preimages:         make(map[common.Hash][]byte),
		selfDestructed:    make(map[common.Address]struct{}),
		created:           make(map[common.Address]struct{}),
	}

	for addrStr, ov := range override {
		if ov == nil {
			continue
		}
		if !common.IsHexAddress(addrStr) {
			return nil, fmt.Errorf("%w: bad address %q", ErrInvalidStateOverride, addrStr)
		}
		addr := common.HexToAddress(addrStr)
		account, err := accountFromOverride(ov)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidStateOverride, addr.Hex(), err)
		}
		// 覆盖账户完全由覆盖决定，不回源
		sa.origin[addr] = account
		sa.originSlots[addr] = nil
	}

	return sa, nil
}

func accountFromOverride(ov *AccountOverride) (*AccountState, error) {
	account := NewAccountState()

	if ov.Balance != "" {
		balance, ok := parseHexOrDecimal(ov.Balance)
		if !ok {
			return nil, fmt.Errorf("bad balance %q", ov.Balance)
		}
		account.Balance = balance
	}

	if ov.Nonce != "" {
		var (
			nonce uint64
			err   error
		)
		if strings.HasPrefix(ov.Nonce, "0x") || strings.HasPrefix(ov.Nonce, "0X") {
			nonce, err = strconv.ParseUint(ov.Nonce[2:], 16, 64)
		} else {
			nonce, err = strconv.ParseUint(ov.Nonce, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("bad nonce %q", ov.Nonce)
		}
		account.Nonce = nonce
	}

	if ov.Code != "" {
		account.Code = common.FromHex(ov.Code)
		if len(account.Code) > 0 {
			account.CodeHash = crypto.Keccak256Hash(account.Code)
		}
	}

	for slotStr, valueStr := range ov.State {
		account.Storage[common.HexToHash(slotStr)] = common.HexToHash(valueStr)
	}
	return account, nil
}

// parseHexOrDecimal 解析十六进制或十进制字符串为big.Int
func parseHexOrDecimal(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}

// ============ 原始状态 ============

func (s *StateAdapter) loadOrigin(addr common.Address) *AccountState {
	if account, ok := s.origin[addr]; ok {
		return account
	}

	account := NewAccountState()
	if s.provider != nil {
		if balance, err := s.provider.GetBalance(addr); err == nil && balance != nil {
			account.Balance = balance
		} else if err != nil {
			s.providerErrs++
			log.Printf("[StateAdapter] 拉取余额失败 addr=%s err=%v", addr.Hex(), err)
		}
		if nonce, err := s.provider.GetNonce(addr); err == nil {
			account.Nonce = nonce
		} else {
			s.providerErrs++
			log.Printf("[StateAdapter] 拉取nonce失败 addr=%s err=%v", addr.Hex(), err)
		}
		if code, err := s.provider.GetCode(addr); err == nil {
			account.Code = code
			if len(code) > 0 {
				account.CodeHash = crypto.Keccak256Hash(code)
			}
		} else {
			s.providerErrs++
			log.Printf("[StateAdapter] 拉取代码失败 addr=%s err=%v", addr.Hex(), err)
		}
	}
	s.origin[addr] = account
	s.originSlots[addr] = make(map[common.Hash]bool)
	return account
}

func (s *StateAdapter) loadOriginSlot(addr common.Address, key common.Hash) common.Hash {
	origin := s.loadOrigin(addr)
	if v, ok := origin.Storage[key]; ok {
		return v
	}
	loaded := s.originSlots[addr]
	if s.provider == nil || loaded == nil || loaded[key] {
		return common.Hash{}
	}

	value, err := s.provider.GetStorage(addr, key)
	if err != nil {
		s.providerErrs++
		log.Printf("[StateAdapter] 拉取storage失败 addr=%s slot=%s err=%v", addr.Hex(), key.Hex(), err)
	} else {
		origin.Storage[key] = value
	}
	loaded[key] = true
	return value
}

// ProviderErrors 返回按需拉取失败的次数
func (s *StateAdapter) ProviderErrors() int {
	return s.providerErrs
}

// account 返回工作状态中的账户，首次访问时从原始状态复制
func (s *StateAdapter) account(addr common.Address) *AccountState {
	if account, ok := s.accounts[addr]; ok {
		return account
	}
	account := s.loadOrigin(addr).Clone()
	s.accounts[addr] = account
	return account
}

// ============ 账户创建 ============

func (s *StateAdapter) CreateAccount(addr common.Address) {
	account := NewAccountState()
	account.Fresh = true
	s.accounts[addr] = account
	s.created[addr] = struct{}{}
}

// CreateContract 保留已有余额，清空存储
func (s *StateAdapter) CreateContract(addr common.Address) {
	account := s.account(addr)
	account.Fresh = true
	account.Storage = make(map[common.Hash]common.Hash)
	s.created[addr] = struct{}{}
}

// ============ 余额操作 ============

func (s *StateAdapter) GetBalance(addr common.Address) *uint256.Int {
	result, overflow := uint256.FromBig(s.account(addr).Balance)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return result
}

func (s *StateAdapter) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	account := s.account(addr)
	prev, _ := uint256.FromBig(account.Balance)
	account.Balance = new(big.Int).Sub(account.Balance, amount.ToBig())
	return *prev
}

func (s *StateAdapter) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	account := s.account(addr)
	prev, _ := uint256.FromBig(account.Balance)
	account.Balance = new(big.Int).Add(account.Balance, amount.ToBig())
	return *prev
}

// ============ Nonce操作 ============

func (s *StateAdapter) GetNonce(addr common.Address) uint64 {
	return s.account(addr).Nonce
}

func (s *StateAdapter) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	s.account(addr).Nonce = nonce
}

// ============ 代码操作 ============

func (s *StateAdapter) GetCode(addr common.Address) []byte {
	return s.account(addr).Code
}

func (s *StateAdapter) GetCodeHash(addr common.Address) common.Hash {
	account := s.account(addr)
	if len(account.Code) == 0 {
		if s.exists(addr, account) {
			return types.EmptyCodeHash
		}
		return common.Hash{}
	}
	return account.CodeHash
}

func (s *StateAdapter) GetCodeSize(addr common.Address) int {
	return len(s.account(addr).Code)
}

func (s *StateAdapter) SetCode(addr common.Address, code []byte) []byte {
	account := s.account(addr)
	prevCode := account.Code
	account.Code = code
	if len(code) > 0 {
		account.CodeHash = crypto.Keccak256Hash(code)
	} else {
		account.CodeHash = common.Hash{}
	}
	return prevCode
}

// ============ 存储操作 ============

func (s *StateAdapter) GetState(addr common.Address, key common.Hash) common.Hash {
	account := s.account(addr)
	if val, ok := account.Storage[key]; ok {
		return val
	}
	if account.Fresh {
		return common.Hash{}
	}
	val := s.loadOriginSlot(addr, key)
	account.Storage[key] = val
	return val
}

func (s *StateAdapter) GetStateAndCommittedState(addr common.Address, key common.Hash) (common.Hash, common.Hash) {
	current := s.GetState(addr, key)
	if s.account(addr).Fresh {
		return current, common.Hash{}
	}
	return current, s.loadOriginSlot(addr, key)
}

func (s *StateAdapter) SetState(addr common.Address, key common.Hash, value common.Hash) common.Hash {
	prev := s.GetState(addr, key)
	s.account(addr).Storage[key] = value
	return prev
}

func (s *StateAdapter) GetStorageRoot(addr common.Address) common.Hash {
	// 不维护真实的storage root
	return common.Hash{}
}

// ============ Transient Storage (EIP-1153) ============

func (s *StateAdapter) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	if storage, ok := s.transientStorage[addr]; ok {
		return storage[key]
	}
	return common.Hash{}
}

func (s *StateAdapter) SetTransientState(addr common.Address, key, value common.Hash) {
	if s.transientStorage[addr] == nil {
		s.transientStorage[addr] = make(map[common.Hash]common.Hash)
	}
	s.transientStorage[addr][key] = value
}

// ============ 账户销毁 ============

func (s *StateAdapter) SelfDestruct(addr common.Address) uint256.Int {
	account := s.account(addr)
	s.selfDestructed[addr] = struct{}{}
	balance, _ := uint256.FromBig(account.Balance)
	account.Balance = big.NewInt(0)
	return *balance
}

func (s *StateAdapter) HasSelfDestructed(addr common.Address) bool {
	_, ok := s.selfDestructed[addr]
	return ok
}

// SelfDestruct6780 EIP-6780: 只有在同一交易中创建的账户才会被真正销毁
func (s *StateAdapter) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	account := s.account(addr)
	balance, _ := uint256.FromBig(account.Balance)
	if _, created := s.created[addr]; created {
		s.selfDestructed[addr] = struct{}{}
		account.Balance = big.NewInt(0)
		return *balance, true
	}
	return *balance, false
}

// ============ 账户存在性检查 ============

func (s *StateAdapter) exists(addr common.Address, account *AccountState) bool {
	if _, ok := s.created[addr]; ok {
		return true
	}
	return account.Balance.Sign() > 0 || account.Nonce > 0 || len(account.Code) > 0
}

func (s *StateAdapter) Exist(addr common.Address) bool {
	return s.exists(addr, s.account(addr))
}

func (s *StateAdapter) Empty(addr common.Address) bool {
	account := s.account(addr)
	return account.Balance.Sign() == 0 && account.Nonce == 0 && len(account.Code) == 0
}

// ============ Access List (EIP-2929) ============

func (s *StateAdapter) AddressInAccessList(addr common.Address) bool {
	_, ok := s.accessedAddresses[addr]
	return ok
}

func (s *StateAdapter) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	_, addrOk := s.accessedAddresses[addr]
	if slots, ok := s.accessedSlots[addr]; ok {
		_, slotOk := slots[slot]
		return addrOk, slotOk
	}
	return addrOk, false
}

func (s *StateAdapter) AddAddressToAccessList(addr common.Address) {
	s.accessedAddresses[addr] = struct{}{}
}

func (s *StateAdapter) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessedAddresses[addr] = struct{}{}
	if s.accessedSlots[addr] == nil {
		s.accessedSlots[addr] = make(map[common.Hash]struct{})
	}
	s.accessedSlots[addr][slot] = struct{}{}
}

// ============ Gas退款 ============

func (s *StateAdapter) AddRefund(gas uint64) {
	s.refund += gas
}

func (s *StateAdapter) SubRefund(gas uint64) {
	if gas > s.refund {
		s.refund = 0
	} else {
		s.refund -= gas
	}
}

func (s *StateAdapter) GetRefund() uint64 {
	return s.refund
}

// ============ 快照机制 ============

func (s *StateAdapter) Snapshot() int {
	id := s.nextSnapID
	s.nextSnapID++

	accounts := make(map[common.Address]*AccountState, len(s.accounts))
	for addr, account := range s.accounts {
		accounts[addr] = account.Clone()
	}
	s.snapshots[id] = &adapterSnapshot{
		accounts:          accounts,
		logCount:          len(s.logs),
		refund:            s.refund,
		selfDestructed:    copySet(s.selfDestructed),
		created:           copySet(s.created),
		transientStorage:  copyNested(s.transientStorage),
		accessedAddresses: copySet(s.accessedAddresses),
		accessedSlots:     copySlotSets(s.accessedSlots),
	}
	return id
}

func (s *StateAdapter) RevertToSnapshot(id int) {
	snap, ok := s.snapshots[id]
	if !ok {
		log.Printf("[StateAdapter] 未知快照 id=%d", id)
		return
	}

	s.accounts = snap.accounts
	s.logs = s.logs[:snap.logCount]
	s.refund = snap.refund
	s.selfDestructed = snap.selfDestructed
	s.created = snap.created
	s.transientStorage = snap.transientStorage
	s.accessedAddresses = snap.accessedAddresses
	s.accessedSlots = snap.accessedSlots

	for snapID := range s.snapshots {
		if snapID >= id {
			delete(s.snapshots, snapID)
		}
	}
}

func copySet(in map[common.Address]struct{}) map[common.Address]struct{} {
	out := make(map[common.Address]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func copyNested(in map[common.Address]map[common.Hash]common.Hash) map[common.Address]map[common.Hash]common.Hash {
	out := make(map[common.Address]map[common.Hash]common.Hash, len(in))
	for addr, inner := range in {
		m := make(map[common.Hash]common.Hash, len(inner))
		for k, v := range inner {
			m[k] = v
		}
		out[addr] = m
	}
	return out
}

func copySlotSets(in map[common.Address]map[common.Hash]struct{}) map[common.Address]map[common.Hash]struct{} {
	out := make(map[common.Address]map[common.Hash]struct{}, len(in))
	for addr, inner := range in {
		m := make(map[common.Hash]struct{}, len(inner))
		for k := range inner {
			m[k] = struct{}{}
		}
		out[addr] = m
	}
	return out
}

// ============ 日志 ============

func (s *StateAdapter) AddLog(l *types.Log) {
	l.Index = uint(len(s.logs))
	s.logs = append(s.logs, l)
}

// Logs 返回当前交易产生的日志
func (s *StateAdapter) Logs() []*types.Log {
	return s.logs
}

// ============ 预映像 ============

func (s *StateAdapter) AddPreimage(hash common.Hash, preimage []byte) {
	s.preimages[hash] = preimage
}

// ============ Prepare ============

func (s *StateAdapter) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.transientStorage = make(map[common.Address]map[common.Hash]common.Hash)
	s.accessedAddresses = make(map[common.Address]struct{})
	s.accessedSlots = make(map[common.Address]map[common.Hash]struct{})
	s.logs = nil
	s.refund = 0

	for _, addr := range precompiles {
		s.accessedAddresses[addr] = struct{}{}
	}
	s.accessedAddresses[sender] = struct{}{}
	if rules.IsShanghai {
		s.accessedAddresses[coinbase] = struct{}{}
	}
	if dest != nil {
		s.accessedAddresses[*dest] = struct{}{}
	}

	for _, item := range txAccesses {
		s.AddAddressToAccessList(item.Address)
		for _, key := range item.StorageKeys {
			s.AddSlotToAccessList(item.Address, key)
		}
	}
}

// ============ 其他必需方法 ============

func (s *StateAdapter) PointCache() *utils.PointCache {
	return nil
}

func (s *StateAdapter) Witness() *stateless.Witness {
	return nil
}

func (s *StateAdapter) AccessEvents() *state.AccessEvents {
	return nil
}

// Finalise 交易结束：移除自毁账户，清理交易内的临时记录
func (s *StateAdapter) Finalise(deleteEmptyObjects bool) {
	for addr := range s.selfDestructed {
		account := NewAccountState()
		account.Fresh = true
		s.accounts[addr] = account
	}
	if deleteEmptyObjects {
		for addr, account := range s.accounts {
			if account.Balance.Sign() == 0 && account.Nonce == 0 && len(account.Code) == 0 {
				account.Fresh = true
				account.Storage = make(map[common.Hash]common.Hash)
				s.accounts[addr] = account
			}
		}
	}
	s.selfDestructed = make(map[common.Address]struct{})
	s.created = make(map[common.Address]struct{})
	s.snapshots = make(map[int]*adapterSnapshot)
}
