package interpreter

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// QuantityScale is the number of decimal places kept when a quantity is
// derived from a cash amount or a fraction of holdings. Derived quantities are
// always rounded down so they never exceed what the ledger can fill.
var QuantityScale int32 = 8

// Rules is the deterministic rule-matching interpreter.
//
// A strategy is a list of rules separated by commas, semicolons, newlines or
// "then". Each rule reads:
//
//	[filters] <buy|sell|hold> [quantity] [filters]
//	filters: [on day N] [if|when <cond> [and <cond>]...]
//
// Filters written ahead of an action bind to the next action even across a
// separator, so "if price < 95, buy 1" is one rule. quantity is "N [units]", "N%", "all" or "half". Without one, BUY spends all
// cash and SELL closes the position. Conditions compare price, sma(n), ema(n),
// rsi(n) or a number using <, <=, >, >=, =, above, below, crosses above or
// crosses below. Day N is the 0-based step index. The first rule that applies
// wins; when none does the step is a HOLD.
type Rules struct {
	mu    sync.Mutex
	size  int
	order *list.List // most recently used strategy at the front
	cache map[string]*list.Element
}

// ruleCacheSize caps how many compiled strategies one Rules keeps.
const ruleCacheSize = 256

type compiled struct {
	strategy string
	rules    []rule
}

// NewRules creates a rule interpreter.
func NewRules() *Rules {
	return newRules(ruleCacheSize)
}

func newRules(size int) *Rules {
	return &Rules{size: size, order: list.New(), cache: make(map[string]*list.Element)}
}

// Prepare parses strategy and reports whether it yields at least one rule.
func (r *Rules) Prepare(strategy string) error {
	_, err := r.compile(strategy)
	return err
}

// Decide evaluates the strategy's rules against the visible history.
func (r *Rules) Decide(ctx context.Context, req Request) (model.TradeIntent, error) {
	if err := ctx.Err(); err != nil {
		return model.TradeIntent{}, err
	}
	if len(req.History) == 0 {
		return model.TradeIntent{}, fmt.Errorf("interpreter: step %d has no price history", req.Step)
	}

	rules, err := r.compile(req.Strategy)
	if err != nil {
		return model.TradeIntent{}, err
	}

	for _, rl := range rules {
		if rl.day >= 0 && rl.day != req.Step {
			continue
		}
		if rl.matches(req.History) {
			return rl.intent(req), nil
		}
	}
	return model.Hold("no rule matched"), nil
}

func (r *Rules) compile(strategy string) ([]rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.cache[strategy]; ok {
		r.order.MoveToFront(el)
		return el.Value.(*compiled).rules, nil
	}
	rules, err := parseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	r.cache[strategy] = r.order.PushFront(&compiled{strategy: strategy, rules: rules})
	for r.order.Len() > r.size {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.cache, oldest.Value.(*compiled).strategy)
	}
	return rules, nil
}

// --- Rule model ---

type quantityKind int

const (
	qtyDefault quantityKind = iota
	qtyUnits
	qtyAll
	qtyPercent
)

type operandKind int

const (
	operandNumber operandKind = iota
	operandPrice
	operandSMA
	operandEMA
	operandRSI
)

type operand struct {
	kind   operandKind
	period int
	value  decimal.Decimal
}

// at evaluates the operand with the last back points hidden.
func (o operand) at(history []model.PricePoint, back int) (decimal.Decimal, bool) {
	if back >= len(history) {
		return decimal.Zero, false
	}
	h := history[:len(history)-back]
	switch o.kind {
	case operandNumber:
		return o.value, true
	case operandPrice:
		return h[len(h)-1].Value, true
	case operandSMA:
		return SMA(h, o.period)
	case operandEMA:
		return EMA(h, o.period)
	case operandRSI:
		return RSI(h, o.period)
	}
	return decimal.Zero, false
}

type comparator int

const (
	cmpLT comparator = iota
	cmpLE
	cmpGT
	cmpGE
	cmpEQ
	cmpCrossAbove
	cmpCrossBelow
)

type condition struct {
	left, right operand
	cmp         comparator
}

func (c condition) holds(history []model.PricePoint) bool {
	l, okL := c.left.at(history, 0)
	r, okR := c.right.at(history, 0)
	if !okL || !okR {
		return false
	}

	switch c.cmp {
	case cmpLT:
		return l.LessThan(r)
	case cmpLE:
		return l.LessThanOrEqual(r)
	case cmpGT:
		return l.GreaterThan(r)
	case cmpGE:
		return l.GreaterThanOrEqual(r)
	case cmpEQ:
		return l.Equal(r)
	}

	pl, okPL := c.left.at(history, 1)
	pr, okPR := c.right.at(history, 1)
	if !okPL || !okPR {
		return false
	}
	if c.cmp == cmpCrossAbove {
		return pl.LessThanOrEqual(pr) && l.GreaterThan(r)
	}
	return pl.GreaterThanOrEqual(pr) && l.LessThan(r)
}

type rule struct {
	text     string
	action   model.Action
	qtyKind  quantityKind
	quantity decimal.Decimal // units, or percent for qtyPercent
	day      int             // -1 when the rule applies on every step
	conds    []condition
}

func (r rule) matches(history []model.PricePoint) bool {
	for _, c := range r.conds {
		if !c.holds(history) {
			return false
		}
	}
	return true
}

func (r rule) intent(req Request) model.TradeIntent {
	if r.action == model.ActionHold {
		return model.Hold(r.text)
	}

	price := req.Current().Value
	var qty decimal.Decimal

	if r.action == model.ActionBuy {
		cash := req.Portfolio.Cash
		switch r.qtyKind {
		case qtyUnits:
			qty = r.quantity
		case qtyPercent:
			qty = cash.Mul(r.quantity).Div(hundred).Div(price).RoundDown(QuantityScale)
		default:
			qty = cash.Div(price).RoundDown(QuantityScale)
		}
	} else {
		held := req.Portfolio.Holding(req.Asset)
		switch r.qtyKind {
		case qtyUnits:
			qty = r.quantity
		case qtyPercent:
			if r.quantity.Equal(hundred) {
				qty = held
			} else {
				qty = held.Mul(r.quantity).Div(hundred).RoundDown(QuantityScale)
			}
		default:
			qty = held
		}
	}

	if !qty.IsPositive() {
		return model.Hold("nothing to trade: " + r.text)
	}
	return model.TradeIntent{Action: r.action, Quantity: qty, Reason: r.text}
}

// --- Lexer ---

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokPercent
	tokSep
)

type token struct {
	kind tokenKind
	text string
}

func lex(s string) []token {
	var toks []token
	rs := []rune(strings.ToLower(s))

	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case c == ',' || c == ';' || c == '\n':
			toks = append(toks, token{tokSep, string(c)})
			i++
		case unicode.IsSpace(c):
			i++
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || rs[j] == '_') {
				j++
			}
			word := string(rs[i:j])
			if word == "then" {
				toks = append(toks, token{tokSep, word})
			} else {
				toks = append(toks, token{tokWord, word})
			}
			i = j
		case startsNumber(rs, i):
			n, end := scanNumber(rs, i)
			toks = append(toks, token{tokNumber, n})
			i = end
		case c == '-' && signedNumberAt(rs, i+1):
			j := i + 1
			for j < len(rs) && unicode.IsSpace(rs[j]) {
				j++
			}
			n, end := scanNumber(rs, j)
			toks = append(toks, token{tokNumber, "-" + n})
			i = end
		case c == '<' || c == '>' || c == '=' || c == '!':
			j := i + 1
			if j < len(rs) && rs[j] == '=' {
				j++
			}
			toks = append(toks, token{tokOp, string(rs[i:j])})
			i = j
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '%':
			toks = append(toks, token{tokPercent, "%"})
			i++
		default:
			// Currency signs, quotes, colons, hyphens and trailing periods carry no meaning.
			i++
		}
	}
	return toks
}

func startsNumber(rs []rune, i int) bool {
	if i >= len(rs) {
		return false
	}
	return unicode.IsDigit(rs[i]) || (rs[i] == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1]))
}

// signedNumberAt reports whether a minus sign ending at i-1 negates a number,
// allowing spaces between the sign and the digits.
func signedNumberAt(rs []rune, i int) bool {
	for i < len(rs) && unicode.IsSpace(rs[i]) && rs[i] != '\n' {
		i++
	}
	return startsNumber(rs, i)
}

func scanNumber(rs []rune, i int) (string, int) {
	j := i
	for j < len(rs) && unicode.IsDigit(rs[j]) {
		j++
	}
	if j+1 < len(rs) && rs[j] == '.' && unicode.IsDigit(rs[j+1]) {
		j++
		for j < len(rs) && unicode.IsDigit(rs[j]) {
			j++
		}
	}
	return string(rs[i:j]), j
}

// --- Parser ---

var actionWords = map[string]model.Action{
	"buy":  model.ActionBuy,
	"sell": model.ActionSell,
	"hold": model.ActionHold,
}

// reserved words end a free-text run inside a rule.
var reserved = map[string]bool{
	"buy": true, "sell": true, "hold": true,
	"if": true, "when": true, "whenever": true,
	"day": true, "on": true, "and": true,
	"all": true, "everything": true, "half": true,
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: tokSep}
	}
	return p.toks[p.pos]
}

func (p *parser) peekWord(words ...string) bool {
	t := p.peek()
	if t.kind != tokWord {
		return false
	}
	for _, w := range words {
		if t.text == w {
			return true
		}
	}
	return false
}

func (p *parser) acceptWord(words ...string) bool {
	if p.peekWord(words...) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) peekAction() bool {
	t := p.peek()
	_, ok := actionWords[t.text]
	return t.kind == tokWord && ok
}

func (p *parser) text(from int) string {
	parts := make([]string, 0, p.pos-from)
	for _, t := range p.toks[from:p.pos] {
		if t.kind != tokSep {
			parts = append(parts, t.text)
		}
	}
	return strings.Join(parts, " ")
}

func parseStrategy(strategy string) ([]rule, error) {
	if strings.TrimSpace(strategy) == "" {
		return nil, fmt.Errorf("%w: empty strategy", ErrUnparseableStrategy)
	}

	p := &parser{toks: lex(strategy)}
	var rules []rule
	for {
		pre, err := p.parsePrefix()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableStrategy, err)
		}
		if p.done() {
			if pre.set() {
				return nil, fmt.Errorf("%w: condition %q is not followed by buy, sell or hold",
					ErrUnparseableStrategy, p.text(pre.start))
			}
			break
		}
		r, err := p.parseRule(pre)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableStrategy, err)
		}
		rules = append(rules, r)
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no buy, sell or hold rule found", ErrUnparseableStrategy)
	}
	return rules, nil
}

// prefix holds the filters written ahead of an action.
type prefix struct {
	start int // first token of the earliest filter, or -1
	day   int
	conds []condition
}

func (pre prefix) set() bool { return pre.start >= 0 }

// parsePrefix advances to the next action keyword. Day filters and
// conditions met on the way are returned for that action; other words are
// narrative and skipped.
func (p *parser) parsePrefix() (prefix, error) {
	pre := prefix{start: -1, day: -1}
	for !p.done() && !p.peekAction() {
		at := p.pos
		switch {
		case p.acceptWord("if", "when", "whenever"):
			conds, err := p.parseConditions()
			if err != nil {
				return pre, err
			}
			pre.conds = append(pre.conds, conds...)
		case p.peekWord("day") && p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokNumber:
			p.pos++
			day, err := p.parseDay()
			if err != nil {
				return pre, err
			}
			if pre.day >= 0 && pre.day != day {
				return pre, fmt.Errorf("conflicting days %d and %d", pre.day, day)
			}
			pre.day = day
		default:
			p.pos++
			continue
		}
		if pre.start < 0 {
			pre.start = at
		}
	}
	return pre, nil
}

func (p *parser) parseDay() (int, error) {
	n := p.peek()
	if n.kind != tokNumber {
		return 0, fmt.Errorf("expected day number, got %q", n.text)
	}
	day, err := decimal.NewFromString(n.text)
	if err != nil || !day.IsInteger() || day.IsNegative() {
		return 0, fmt.Errorf("invalid day %q", n.text)
	}
	p.pos++
	return int(day.IntPart()), nil
}

func (p *parser) parseRule(pre prefix) (rule, error) {
	start := p.pos
	if pre.set() {
		start = pre.start
	}
	r := rule{action: actionWords[p.toks[p.pos].text], day: pre.day, conds: pre.conds}
	p.pos++

	if r.action != model.ActionHold {
		if err := p.parseQuantity(&r); err != nil {
			return r, err
		}
	}

	for !p.done() {
		t := p.peek()
		switch {
		case t.kind == tokSep:
			r.text = p.text(start)
			p.pos++
			return r, nil
		case p.peekAction():
			r.text = p.text(start)
			return r, nil
		case p.acceptWord("day"):
			day, err := p.parseDay()
			if err != nil {
				return r, err
			}
			if r.day >= 0 && r.day != day {
				return r, fmt.Errorf("conflicting days %d and %d", r.day, day)
			}
			r.day = day
		case p.acceptWord("if", "when", "whenever"):
			conds, err := p.parseConditions()
			if err != nil {
				return r, err
			}
			r.conds = append(r.conds, conds...)
			if !p.done() && p.peek().kind != tokSep && !p.peekAction() {
				return r, fmt.Errorf("unexpected %q after condition", p.peek().text)
			}
		case t.kind == tokWord:
			p.pos++
		default:
			return r, fmt.Errorf("unexpected %q", t.text)
		}
	}
	r.text = p.text(start)
	return r, nil
}

func (p *parser) parseQuantity(r *rule) error {
	t := p.peek()
	switch {
	case t.kind == tokNumber:
		n, err := decimal.NewFromString(t.text)
		if err != nil || !n.IsPositive() {
			return fmt.Errorf("invalid quantity %q", t.text)
		}
		p.pos++
		if p.peek().kind == tokPercent {
			p.pos++
			if n.GreaterThan(hundred) {
				return fmt.Errorf("percentage %s exceeds 100", n)
			}
			r.qtyKind, r.quantity = qtyPercent, n
			return nil
		}
		r.qtyKind, r.quantity = qtyUnits, n
		// Skip a unit word such as "unit", "coins" or the asset name.
		if nt := p.peek(); nt.kind == tokWord && !reserved[nt.text] {
			p.pos++
		}
	case p.acceptWord("all", "everything"):
		r.qtyKind = qtyAll
	case p.acceptWord("half"):
		r.qtyKind, r.quantity = qtyPercent, decimal.NewFromInt(50)
	}
	return nil
}

func (p *parser) parseConditions() ([]condition, error) {
	var conds []condition
	for {
		c, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)

		if !p.peekWord("and") {
			return conds, nil
		}
		p.pos++
		// "... and sell all if ..." starts the next rule.
		if p.peekAction() {
			return conds, nil
		}
	}
}

func (p *parser) parseCondition() (condition, error) {
	left, err := p.parseOperand()
	if err != nil {
		return condition{}, err
	}
	cmp, err := p.parseComparator()
	if err != nil {
		return condition{}, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return condition{}, err
	}
	return condition{left: left, right: right, cmp: cmp}, nil
}

func (p *parser) parseOperand() (operand, error) {
	p.acceptWord("the", "current")

	t := p.peek()
	if t.kind == tokNumber {
		v, err := decimal.NewFromString(t.text)
		if err != nil {
			return operand{}, fmt.Errorf("invalid number %q", t.text)
		}
		p.pos++
		return operand{kind: operandNumber, value: v}, nil
	}
	if t.kind != tokWord {
		return operand{}, fmt.Errorf("expected price, indicator or number, got %q", t.text)
	}

	var kind operandKind
	switch t.text {
	case "price", "close", "closing":
		p.pos++
		p.acceptWord("price")
		return operand{kind: operandPrice}, nil
	case "sma", "ma":
		kind = operandSMA
	case "ema":
		kind = operandEMA
	case "rsi":
		kind = operandRSI
	default:
		return operand{}, fmt.Errorf("unknown operand %q", t.text)
	}
	p.pos++

	paren := p.peek().kind == tokLParen
	if paren {
		p.pos++
	}
	n := p.peek()
	if n.kind != tokNumber {
		return operand{}, fmt.Errorf("%s needs a period, got %q", t.text, n.text)
	}
	period, err := decimal.NewFromString(n.text)
	if err != nil || !period.IsInteger() || !period.IsPositive() {
		return operand{}, fmt.Errorf("invalid %s period %q", t.text, n.text)
	}
	p.pos++
	if paren {
		if p.peek().kind != tokRParen {
			return operand{}, fmt.Errorf("missing ) after %s period", t.text)
		}
		p.pos++
	}
	return operand{kind: kind, period: int(period.IntPart())}, nil
}

func (p *parser) parseComparator() (comparator, error) {
	t := p.peek()
	if t.kind == tokOp {
		p.pos++
		switch t.text {
		case "<":
			return cmpLT, nil
		case "<=":
			return cmpLE, nil
		case ">":
			return cmpGT, nil
		case ">=":
			return cmpGE, nil
		case "=", "==":
			return cmpEQ, nil
		}
		return 0, fmt.Errorf("unsupported operator %q", t.text)
	}

	p.acceptWord("is", "falls", "drops", "rises", "goes", "trades", "moves")

	switch {
	case p.acceptWord("crosses", "cross", "crossed", "crossing"):
		switch {
		case p.acceptWord("above", "over"):
			return cmpCrossAbove, nil
		case p.acceptWord("below", "under"):
			return cmpCrossBelow, nil
		}
		return 0, fmt.Errorf("expected above or below after crosses, got %q", p.peek().text)
	case p.acceptWord("below", "under"):
		return cmpLT, nil
	case p.acceptWord("above", "over"):
		return cmpGT, nil
	case p.acceptWord("less", "lower"):
		p.acceptWord("than")
		return cmpLT, nil
	case p.acceptWord("greater", "higher", "more"):
		p.acceptWord("than")
		return cmpGT, nil
	case p.acceptWord("equals", "equal"):
		p.acceptWord("to")
		return cmpEQ, nil
	}
	return 0, fmt.Errorf("expected comparison, got %q", p.peek().text)
}
