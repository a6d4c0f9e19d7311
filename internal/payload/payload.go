// Package payload expands expression segments embedded in send_to_process
// data. A payload like
//
//	"AAAA$(p64(0xdeadbeef))$(rep('B', 16))"
//
// has each $( ... ) segment evaluated as a Lua expression in a sandboxed
// interpreter; the resulting string is spliced in as raw bytes. Packing
// helpers in the pwntools tradition are preregistered: p8/p16/p32/p64
// (little endian), p16be/p32be/p64be, rep, and cyclic.
package payload

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/pwnmcp/pwnmcp/internal/errors"
)

// Evaluator owns one sandboxed Lua state. LStates are not goroutine-safe,
// so every evaluation is serialized through the mutex.
type Evaluator struct {
	mu sync.Mutex
	l  *lua.LState
}

// NewEvaluator creates an evaluator with only the base, string, math and
// table libraries open. No io, os or load facilities are available to
// expressions.
func NewEvaluator() *Evaluator {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// The base lib exposes escape hatches we do not want in payloads.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}

	registerPackers(L)
	return &Evaluator{l: L}
}

func registerPackers(L *lua.LState) {
	pack := func(size int, bigEndian bool) lua.LGFunction {
		return func(L *lua.LState) int {
			v := uint64(L.CheckNumber(1))
			var full [8]byte
			binary.LittleEndian.PutUint64(full[:], v)
			buf := append([]byte(nil), full[:size]...)
			if bigEndian {
				for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
					buf[i], buf[j] = buf[j], buf[i]
				}
			}
			L.Push(lua.LString(buf))
			return 1
		}
	}

	L.SetGlobal("p8", L.NewFunction(pack(1, false)))
	L.SetGlobal("p16", L.NewFunction(pack(2, false)))
	L.SetGlobal("p32", L.NewFunction(pack(4, false)))
	L.SetGlobal("p64", L.NewFunction(pack(8, false)))
	L.SetGlobal("p16be", L.NewFunction(pack(2, true)))
	L.SetGlobal("p32be", L.NewFunction(pack(4, true)))
	L.SetGlobal("p64be", L.NewFunction(pack(8, true)))

	L.SetGlobal("rep", L.NewFunction(func(L *lua.LState) int {
		s := L.CheckString(1)
		n := L.CheckInt(2)
		if n < 0 {
			n = 0
		}
		L.Push(lua.LString(strings.Repeat(s, n)))
		return 1
	}))

	L.SetGlobal("cyclic", L.NewFunction(func(L *lua.LState) int {
		n := L.CheckInt(1)
		L.Push(lua.LString(cyclicPattern(n)))
		return 1
	}))
}

// cyclicPattern generates a De Bruijn-style pattern of length n over
// lowercase letters with subsequence length 4, the usual offset-finding
// pattern for corrupted return addresses.
func cyclicPattern(n int) string {
	if n <= 0 {
		return ""
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	var sb strings.Builder
	sb.Grow(n)
	var gen func(t, p int, a []int)
	seq := make([]byte, 0, n)
	a := make([]int, 4*len(alphabet))
	gen = func(t, p int, a []int) {
		if len(seq) >= n {
			return
		}
		if t > 4 {
			if 4%p == 0 {
				for i := 1; i <= p && len(seq) < n; i++ {
					seq = append(seq, alphabet[a[i]])
				}
			}
			return
		}
		a[t] = a[t-p]
		gen(t+1, p, a)
		for j := a[t-p] + 1; j < len(alphabet); j++ {
			if len(seq) >= n {
				return
			}
			a[t] = j
			gen(t+1, t, a)
		}
	}
	gen(1, 1, a)
	if len(seq) < n {
		n = len(seq)
	}
	sb.Write(seq[:n])
	return sb.String()
}

// Expand substitutes every $( ... ) segment of data with the bytes produced
// by evaluating its Lua expression. Text outside segments passes through
// unchanged; "$$" escapes a literal dollar sign.
func (e *Evaluator) Expand(data string) ([]byte, error) {
	var out []byte
	for i := 0; i < len(data); {
		c := data[i]
		if c == '$' && i+1 < len(data) {
			switch data[i+1] {
			case '$':
				out = append(out, '$')
				i += 2
				continue
			case '(':
				end, err := matchParen(data, i+1)
				if err != nil {
					return nil, err
				}
				expr := data[i+2 : end]
				val, err := e.eval(expr)
				if err != nil {
					return nil, err
				}
				out = append(out, val...)
				i = end + 1
				continue
			}
		}
		out = append(out, c)
		i++
	}
	return out, nil
}

// matchParen finds the parenthesis matching data[open], honoring nesting.
func matchParen(data string, open int) (int, error) {
	depth := 0
	for i := open; i < len(data); i++ {
		switch data[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, errors.PayloadEvalFailed(data[open:], fmt.Errorf("unbalanced parentheses"))
}

func (e *Evaluator) eval(expr string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.l.DoString("return " + expr); err != nil {
		return nil, errors.PayloadEvalFailed(expr, err)
	}
	ret := e.l.Get(-1)
	e.l.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return []byte(string(v)), nil
	case lua.LNumber:
		return []byte(v.String()), nil
	default:
		return nil, errors.PayloadEvalFailed(expr, fmt.Errorf("expression returned %s, want string or number", ret.Type()))
	}
}

// Close releases the Lua state.
func (e *Evaluator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.l.Close()
}
