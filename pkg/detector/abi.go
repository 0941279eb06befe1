package detector

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DefaultWithdrawalSignature Tornado Cash 池合约的提现事件
const DefaultWithdrawalSignature = "Withdrawal(address to, bytes32 nullifierHash, address indexed relayer, uint256 fee)"

// ParseEventSignature 解析人类可读的事件签名，例如
// "Transfer(address indexed from, address indexed to, uint256 value)"
func ParseEventSignature(sig string) (abi.Event, error) {
	sig = strings.TrimSpace(sig)
	sig = strings.TrimPrefix(sig, "event ")
	open := strings.Index(sig, "(")
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return abi.Event{}, fmt.Errorf("malformed event signature %q", sig)
	}
	name := strings.TrimSpace(sig[:open])
	body := strings.TrimSpace(sig[open+1 : len(sig)-1])

	var inputs abi.Arguments
	if body != "" {
		for i, param := range strings.Split(body, ",") {
			fields := strings.Fields(param)
			if len(fields) == 0 {
				return abi.Event{}, fmt.Errorf("empty parameter %d in %q", i, sig)
			}
			typ, err := abi.NewType(fields[0], "", nil)
			if err != nil {
				return abi.Event{}, fmt.Errorf("invalid type %q in %q: %w", fields[0], sig, err)
			}
			arg := abi.Argument{Type: typ}
			rest := fields[1:]
			if len(rest) > 0 && rest[0] == "indexed" {
				arg.Indexed = true
				rest = rest[1:]
			}
			switch len(rest) {
			case 0:
				arg.Name = fmt.Sprintf("arg%d", i)
			case 1:
				arg.Name = rest[0]
			default:
				return abi.Event{}, fmt.Errorf("unexpected tokens %v in parameter %d of %q", rest, i, sig)
			}
			inputs = append(inputs, arg)
		}
	}

	return abi.NewEvent(name, name, false, inputs), nil
}

// MustParseEventSignature 解析失败时 panic，仅用于常量签名
func MustParseEventSignature(sig string) abi.Event {
	ev, err := ParseEventSignature(sig)
	if err != nil {
		panic(err)
	}
	return ev
}
