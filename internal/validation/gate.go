package validation

import (
	"fmt"
	"math/big"

	"github.com/betbot/relayer/internal/domain"
	"github.com/shopspring/decimal"
)

// Reason 拒绝原因
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonMalformed              Reason = "Malformed"
	ReasonExpired                Reason = "Expired"
	ReasonUnsupportedDestination Reason = "UnsupportedDestination"
	ReasonAmountOutOfBounds      Reason = "AmountOutOfBounds"
)

// ChainContext 校验时的链上下文
type ChainContext struct {
	CurrentBlock uint64
}

// Decision 校验结果
type Decision struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

func (d Decision) String() string {
	if d.Accepted {
		return "accepted"
	}
	if d.Detail == "" {
		return string(d.Reason)
	}
	return fmt.Sprintf("%s: %s", d.Reason, d.Detail)
}

// Accept 通过
func Accept() Decision { return Decision{Accepted: true} }

// Reject 拒绝
func Reject(reason Reason, format string, args ...interface{}) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Input 传给规则的订单视图。Terms 由 WellFormed 之前统一解析一次；解析失败时为 nil。
type Input struct {
	Order    *domain.Order
	Terms    *domain.Terms
	ParseErr error
}

// Rule 单条校验规则。纯函数，不得有副作用。
type Rule interface {
	Name() string
	Check(ctx ChainContext, in Input) Decision
}

// RuleFunc 函数适配为 Rule
type RuleFunc struct {
	RuleName string
	Fn       func(ctx ChainContext, in Input) Decision
}

func (r RuleFunc) Name() string                              { return r.RuleName }
func (r RuleFunc) Check(ctx ChainContext, in Input) Decision { return r.Fn(ctx, in) }

// Gate 有序规则集，第一条拒绝即短路
type Gate struct {
	rules []Rule
}

// NewGate 按给定顺序组装规则
func NewGate(rules ...Rule) *Gate {
	return &Gate{rules: append([]Rule(nil), rules...)}
}

// With 返回追加一条规则后的新 Gate
func (g *Gate) With(r Rule) *Gate {
	return NewGate(append(append([]Rule(nil), g.rules...), r)...)
}

// Rules 规则名（按顺序）
func (g *Gate) Rules() []string {
	names := make([]string, 0, len(g.rules))
	for _, r := range g.rules {
		names = append(names, r.Name())
	}
	return names
}

// Validate 对订单执行全部规则
func (g *Gate) Validate(ctx ChainContext, o *domain.Order) Decision {
	if o == nil {
		return Reject(ReasonMalformed, "nil order")
	}
	in := Input{Order: o}
	in.Terms, in.ParseErr = domain.DecodeTerms(o.Payload)
	for _, r := range g.rules {
		if d := r.Check(ctx, in); !d.Accepted {
			return d
		}
	}
	return Accept()
}

// Policy 默认规则集的参数
type Policy struct {
	AllowedDestinations []uint64
	// MinAmount / MaxAmount 为代币单位的十进制字符串（如 "0.5"），空表示不限制
	MinAmount     string
	MaxAmount     string
	TokenDecimals int32
}

// NewDefaultGate 默认规则：WellFormed → NotExpired → DestinationAllowed → AmountWithinBounds
func NewDefaultGate(p Policy) (*Gate, error) {
	bounds, err := NewAmountBounds(p.MinAmount, p.MaxAmount, p.TokenDecimals)
	if err != nil {
		return nil, err
	}
	return NewGate(
		WellFormed(),
		NotExpired(),
		DestinationAllowed(p.AllowedDestinations),
		bounds,
	), nil
}

// WellFormed payload 能解析为订单条款
func WellFormed() Rule {
	return RuleFunc{RuleName: "WellFormed", Fn: func(_ ChainContext, in Input) Decision {
		if in.ParseErr != nil || in.Terms == nil {
			return Reject(ReasonMalformed, "%v", in.ParseErr)
		}
		return Accept()
	}}
}

// NotExpired expiry > currentBlock
func NotExpired() Rule {
	return RuleFunc{RuleName: "NotExpired", Fn: func(ctx ChainContext, in Input) Decision {
		if in.Terms == nil {
			return Reject(ReasonMalformed, "missing terms")
		}
		if in.Terms.ExpiryBlock <= ctx.CurrentBlock {
			return Reject(ReasonExpired, "expiry block %d <= current block %d", in.Terms.ExpiryBlock, ctx.CurrentBlock)
		}
		return Accept()
	}}
}

// DestinationAllowed 目标链在白名单中；白名单为空时拒绝所有
func DestinationAllowed(chainIDs []uint64) Rule {
	allowed := make(map[uint64]struct{}, len(chainIDs))
	for _, id := range chainIDs {
		allowed[id] = struct{}{}
	}
	return RuleFunc{RuleName: "DestinationAllowed", Fn: func(_ ChainContext, in Input) Decision {
		if in.Terms == nil || in.Terms.DestinationChain == nil {
			return Reject(ReasonMalformed, "missing destination chain")
		}
		dest := in.Terms.DestinationChain
		if !dest.IsUint64() {
			return Reject(ReasonUnsupportedDestination, "destination chain %s", dest)
		}
		if _, ok := allowed[dest.Uint64()]; !ok {
			return Reject(ReasonUnsupportedDestination, "destination chain %d not serviced", dest.Uint64())
		}
		return Accept()
	}}
}

// AmountBounds min <= amount <= max，边界以最小单位保存
type AmountBounds struct {
	min *big.Int
	max *big.Int
}

// NewAmountBounds 把十进制代币数量按 decimals 换算为最小单位
func NewAmountBounds(minAmount, maxAmount string, decimals int32) (*AmountBounds, error) {
	b := &AmountBounds{}
	var err error
	if b.min, err = toBaseUnits(minAmount, decimals); err != nil {
		return nil, fmt.Errorf("min amount: %w", err)
	}
	if b.max, err = toBaseUnits(maxAmount, decimals); err != nil {
		return nil, fmt.Errorf("max amount: %w", err)
	}
	if b.min != nil && b.max != nil && b.min.Cmp(b.max) > 0 {
		return nil, fmt.Errorf("min amount %s > max amount %s", minAmount, maxAmount)
	}
	return b, nil
}

func toBaseUnits(s string, decimals int32) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", s)
	}
	return d.Shift(decimals).BigInt(), nil
}

func (b *AmountBounds) Name() string { return "AmountWithinBounds" }

func (b *AmountBounds) Check(_ ChainContext, in Input) Decision {
	if in.Terms == nil || in.Terms.Amount == nil {
		return Reject(ReasonMalformed, "missing amount")
	}
	amt := in.Terms.Amount
	if b.min != nil && amt.Cmp(b.min) < 0 {
		return Reject(ReasonAmountOutOfBounds, "amount %s < min %s", amt, b.min)
	}
	if b.max != nil && amt.Cmp(b.max) > 0 {
		return Reject(ReasonAmountOutOfBounds, "amount %s > max %s", amt, b.max)
	}
	return Accept()
}
